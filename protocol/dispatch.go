package protocol

import (
	"runtime/debug"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/RoanBrand/CommandLink/metrics"
)

// Request is one received command.
type Request struct {
	Link *Link
	Name string
	Args []string
	Log  *zap.SugaredLogger
}

// Handler runs a command. An empty result is answered with OK.
type Handler func(req *Request) (string, error)

// Registry maps case-folded command names to handlers.
type Registry map[string]Handler

func (r Registry) Register(name string, h Handler) {
	r[strings.ToLower(name)] = h
}

func (r Registry) Lookup(name string) (Handler, bool) {
	h, ok := r[strings.ToLower(name)]
	return h, ok
}

func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge returns a new registry holding r and overrides. Overrides win.
func (r Registry) Merge(overrides Registry, log *zap.SugaredLogger) Registry {
	out := make(Registry, len(r)+len(overrides))
	for name, h := range r {
		out[name] = h
	}
	for name, h := range overrides {
		out.Register(name, h)
		if log != nil {
			log.Infof("registered cmd %q.", strings.ToLower(name))
		}
	}
	return out
}

// Dispatcher turns a received line into a response line.
type Dispatcher struct {
	Header   string
	Wrap     bool
	UniParse bool
	Registry Registry
	Link     *Link
	Log      *zap.SugaredLogger
	Metrics  *metrics.LinkMetrics
}

// Process parses and runs one line. Failures, including handler panics, are
// answered with "ERROR <kind>: <message>".
func (d *Dispatcher) Process(line string) string {
	log := d.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	name, result, err := d.call(line, log)
	if err != nil {
		log.Errorw("command failed", "command", name, "error", err)
		d.Metrics.Command(name, "error")
		return d.errorResponse(err)
	}
	d.Metrics.Command(name, "ok")
	if result == "" {
		result = "OK"
	}
	return FormatResponse(d.Header, d.Wrap, result)
}

// Reject answers a line the transport could not deliver whole.
func (d *Dispatcher) Reject(err error) string {
	if d.Log != nil {
		d.Log.Warnw("line rejected", "error", err)
	}
	d.Metrics.Command("", "error")
	return d.errorResponse(err)
}

func (d *Dispatcher) errorResponse(err error) string {
	return FormatResponse(d.Header, d.Wrap, "ERROR "+describe(err))
}

// call returns the command name only when it is registered.
func (d *Dispatcher) call(line string, log *zap.SugaredLogger) (name, result string, err error) {
	cmd, args, err := ParseRequest(line, d.Header, d.Wrap, d.UniParse)
	if err != nil {
		return "", "", err
	}
	log.Infow("received", "command", cmd, "args", args)
	h, ok := d.Registry.Lookup(cmd)
	if !ok {
		return "", "", Errorf(KindUnknownCommand, "unrecognized command %q passed.", cmd)
	}
	name = cmd
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("handler panic", "command", name, "panic", r, "stack", string(debug.Stack()))
			err = Errorf(KindHandlerPanic, "%v", r)
		}
	}()
	result, err = h(&Request{
		Link: d.Link,
		Name: cmd,
		Args: args,
		Log:  log.With("command", cmd),
	})
	return name, result, err
}
