package command

import (
	"sync"
)

// Completion delivers the terminal response of a two-phase command. It is
// an owned record (channel, cmd_id) that a timer or worker can carry; the
// response itself goes through the handler's single responder.
//
// Finish and Cancel are each effective at most once, and only one of
// them ever wins.
type Completion struct {
	h       *Handler
	name    string
	channel string
	cmdID   string

	mu      sync.Mutex
	armed   bool
	closed  bool
	pending *Result
}

// CmdID returns the command id this completion answers.
func (c *Completion) CmdID() string {
	if c == nil {
		return ""
	}
	return c.cmdID
}

// Channel returns the command channel.
func (c *Completion) Channel() string {
	if c == nil {
		return ""
	}
	return c.channel
}

// Finish publishes the terminal result. It reports false if the
// completion was already finished or cancelled. A result finished before
// ACCEPTED went out is held until then.
func (c *Completion) Finish(r Result) bool {
	if c == nil {
		return false
	}
	if r.Status == "" {
		r.Status = Done
	}
	if !r.Status.Terminal() {
		r.Status = Failed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	if !c.armed {
		c.pending = &r
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	c.h.untrack(c)
	c.h.respond(c.name, c.channel, c.cmdID, r)
	return true
}

// Cancel drops the pending terminal response, for example when a newer
// command supersedes this one.
func (c *Completion) Cancel() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.pending = nil
	c.mu.Unlock()

	c.h.untrack(c)
	return true
}

// arm is called once ACCEPTED has been queued.
func (c *Completion) arm() {
	c.mu.Lock()
	c.armed = true
	p := c.pending
	c.pending = nil
	closed := c.closed
	c.mu.Unlock()

	if p != nil {
		c.h.untrack(c)
		c.h.respond(c.name, c.channel, c.cmdID, *p)
		return
	}
	if closed {
		c.h.untrack(c)
	}
}

// void disables a completion whose handler answered synchronously.
func (c *Completion) void() {
	c.mu.Lock()
	c.closed = true
	c.pending = nil
	c.mu.Unlock()
}
