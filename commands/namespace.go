package commands

import (
	"errors"
	"sync"
)

// ErrUnknownVariable is returned by Set for a name that was never shared.
var ErrUnknownVariable = errors.New("variable not shared")

// Namespace holds the variables shared with the host environment. Only names
// the host has shared may be assigned.
type Namespace interface {
	Get(name string) (interface{}, bool)
	Set(name string, value interface{}) error
}

// MapNamespace is an in-memory Namespace.
type MapNamespace struct {
	mu   sync.Mutex
	vars map[string]interface{}
}

func NewMapNamespace() *MapNamespace {
	return &MapNamespace{vars: make(map[string]interface{})}
}

// Share makes name assignable and sets its initial value.
func (n *MapNamespace) Share(name string, initial interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.vars[name] = initial
}

func (n *MapNamespace) Get(name string) (interface{}, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.vars[name]
	return v, ok
}

func (n *MapNamespace) Set(name string, value interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.vars[name]; !ok {
		return ErrUnknownVariable
	}
	n.vars[name] = value
	return nil
}

// Snapshot returns a copy of every shared variable.
func (n *MapNamespace) Snapshot() map[string]interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]interface{}, len(n.vars))
	for k, v := range n.vars {
		out[k] = v
	}
	return out
}
