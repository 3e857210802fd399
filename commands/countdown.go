package commands

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Countdown holds at most one pending task. Scheduling a new task cancels the
// pending one.
type Countdown struct {
	log *zap.SugaredLogger

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func NewCountdown(log *zap.SugaredLogger) *Countdown {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Countdown{log: log}
}

// Schedule runs fn after d on its own goroutine. It reports whether a pending
// task was replaced.
func (c *Countdown) Schedule(d time.Duration, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	replaced := false
	if c.timer != nil {
		c.timer.Stop()
		c.log.Warn("timer reset.")
		replaced = true
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()
		fn()
	})
	return replaced
}

// Cancel drops the pending task, if any.
func (c *Countdown) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer == nil {
		return false
	}
	c.timer.Stop()
	c.timer = nil
	c.gen++
	return true
}

func (c *Countdown) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}
