package grpctx

import (
	"context"
	"sync"
	"time"
)

// Alarm mirrors the RPC runtime's alarm: a one-shot timer whose expiry is
// delivered through the completion queue. Expiry completes the handler with
// ok true; cancellation completes it with ok false. At most one wait may be
// outstanding per alarm at a time, and an alarm may be reused once its
// handler has completed.
type Alarm struct {
	c     *Context
	mu    sync.Mutex
	op    *handlerOperation
	timer *time.Timer
	stop  func() bool
}

// NewAlarm creates an alarm bound to the context.
func (c *Context) NewAlarm() *Alarm { return &Alarm{c: c} }

// Wait arms the alarm to complete with ok true after d, or with ok false if
// cancelled first. A cancellation context bound to h with [BindCancel]
// cancels the alarm when it is done.
func (a *Alarm) Wait(d time.Duration, h Handler) {
	op := allocHandlerOperation(a.c, h)
	a.c.workStarted()
	cctx := associatedCancel(h)
	a.mu.Lock()
	if a.op != nil {
		a.mu.Unlock()
		panic("grpctx: alarm already has an outstanding wait")
	}
	a.op = op
	a.timer = time.AfterFunc(d, func() { a.fire(true) })
	if cctx != nil {
		// AfterFunc invokes Cancel on its own goroutine, so attaching under
		// the mutex cannot deadlock even for an already-done context.
		a.stop = context.AfterFunc(cctx, a.Cancel)
	}
	a.mu.Unlock()
}

// WaitUntil arms the alarm with an absolute deadline.
func (a *Alarm) WaitUntil(t time.Time, h Handler) {
	a.Wait(time.Until(t), h)
}

// Cancel cancels an outstanding wait, completing it with ok false. Safe to
// call from any goroutine at any time; cancelling an idle alarm is a no-op.
func (a *Alarm) Cancel() { a.fire(false) }

func (a *Alarm) fire(ok bool) {
	a.mu.Lock()
	op, timer, stop := a.op, a.timer, a.stop
	a.op, a.timer, a.stop = nil, nil, nil
	a.mu.Unlock()
	if op == nil {
		return
	}
	if !ok && timer != nil {
		timer.Stop()
	}
	if stop != nil {
		stop()
	}
	a.c.cq.post(&op.op, ok)
}
