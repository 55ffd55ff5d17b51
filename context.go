package grpctx

import (
	"runtime"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// Context is the execution context at the heart of the package. It owns a
// completion queue and drives it from a single run goroutine, converting
// dequeued tags into completions of in-flight operations and interleaving
// them with work submitted through executors and schedulers.
//
// Work arrives on two queues: a non-atomic local queue, produced and
// consumed only by the run goroutine, and an atomic multi-producer remote
// queue fed by every other goroutine. When a remote producer finds the
// consumer inactive it posts a dedicated wakeup tag to the completion queue,
// which kicks the run loop out of a blocking poll.
//
// Create instances with [New]. The zero value is not usable, and a Context
// must not be copied.
type Context struct {
	_ [0]func() // prevent copying

	cq     *completionQueue
	opPool *OperationPool
	logger *logiface.Logger[logiface.Event]

	local  intrusiveQueue       // run goroutine only
	remote atomicIntrusiveQueue // any goroutine

	work         atomic.Int64
	stopped      atomic.Bool
	running      atomic.Bool
	runGoroutine atomic.Uint64

	// remoteInactive is owned by the run goroutine: set after the remote
	// queue is marked inactive, and recomputed from the queue head when a
	// wakeup tag is consumed. It gates remote drains so the consumer never
	// touches an inactive head.
	remoteInactive bool

	wakeupOp operation
}

// New creates a new execution context. New panics if any option fails
// validation (invalid options are programming errors).
func New(opts ...Option) *Context {
	cfg, err := resolveOptions(opts)
	if err != nil {
		panic("grpctx: " + err.Error())
	}
	c := &Context{
		cq:     newCompletionQueue(cfg.queueCapacity),
		opPool: NewOperationPool(),
		logger: cfg.logger,
	}
	// The producer starts inactive; Run marks it active.
	c.remote.markInactive()
	// A wakeup can be consumed after the inactive period it was posted for
	// has ended (e.g. one posted before Run), so the flag is re-derived from
	// the head rather than cleared outright.
	c.wakeupOp.complete = func(invokeAction) {
		c.remoteInactive = c.remote.head.Load() == c.remote.inactiveSentinel()
	}
	return c
}

// Run drives the context until it is stopped or runs out of work, returning
// nil in both cases, or [ErrShutdown] once [Context.Shutdown] has taken
// effect and every outstanding tag has drained. Only one goroutine may run
// the context at a time; the caller is the run goroutine for the duration.
func (c *Context) Run() error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)
	c.runGoroutine.Store(goroutineID())
	defer c.runGoroutine.Store(0)

	c.logger.Debug().Log(`run started`)
	defer c.logger.Debug().Log(`run stopped`)

	c.remote.tryMarkActive()
	c.remoteInactive = false

	for {
		if c.stopped.Load() {
			return nil
		}
		c.processLocalQueue()
		if c.stopped.Load() {
			return nil
		}
		if !c.remoteInactive {
			if q := c.remote.tryMarkInactiveOrDequeueAll(); !q.empty() {
				c.local.append(q)
				continue
			}
			c.remoteInactive = true
		}
		if c.work.Load() == 0 && !c.cq.isShutdown() {
			return nil
		}
		if !c.pollCompletionQueue() {
			c.shutdownDrain()
			return ErrShutdown
		}
	}
}

// Stop requests that Run return at its next check of the stop flag: after
// the local-queue drain in progress, which still runs operations queued
// during it, or after the completion currently being dispatched. Queued work
// and pending tags are retained; [Context.Reset] followed by Run resumes
// them.
func (c *Context) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	c.logger.Debug().Log(`stop requested`)
	if c.running.Load() && !c.runningInThisGoroutine() {
		// Kick the loop out of a blocking poll.
		c.Executor().Execute(func() {})
	}
}

// Stopped reports whether Stop has been called since the last Reset.
func (c *Context) Stopped() bool { return c.stopped.Load() }

// Reset clears the stopped flag so that Run may be called again. Reset must
// not be called while Run is executing.
func (c *Context) Reset() {
	if c.running.Load() {
		panic("grpctx: Reset called while the context is running")
	}
	c.stopped.Store(false)
}

// Shutdown terminates the context. The completion queue stops accepting a
// blocking poll, queued operations are discarded rather than invoked, and
// Run returns [ErrShutdown] once every outstanding tag has drained. Callers
// must first allow in-flight transport steps to complete or cancel;
// operations started afterwards are never dispatched.
func (c *Context) Shutdown() {
	c.logger.Debug().Log(`shutdown requested`)
	c.cq.shutdown()
}

// IsShutdown reports whether Shutdown has been called.
func (c *Context) IsShutdown() bool { return c.cq.isShutdown() }

// WorkStarted increments the outstanding-work counter, keeping Run alive.
// Prefer [NewWorkGuard] for scope-based tracking.
func (c *Context) WorkStarted() { c.workStarted() }

// WorkFinished decrements the outstanding-work counter. Once it reaches zero
// with no queued operations, Run returns.
func (c *Context) WorkFinished() { c.workFinished() }

// IsRunGoroutine reports whether the calling goroutine is the context's run
// goroutine. Intended for lifecycle assertions in calling code.
func (c *Context) IsRunGoroutine() bool { return c.runningInThisGoroutine() }

func (c *Context) workStarted() { c.work.Add(1) }
func (c *Context) workFinished() {
	if c.work.Add(-1) == 0 && c.running.Load() && !c.runningInThisGoroutine() {
		// Kick a blocked poll so Run observes the zero count and returns.
		c.wake()
	}
}

// processLocalQueue drains the local queue, including work queued while
// draining. After shutdown, drained operations are discarded.
func (c *Context) processLocalQueue() {
	for {
		op := c.local.pop()
		if op == nil {
			return
		}
		action := actionInvoke
		if c.cq.isShutdown() {
			action = actionDiscard
		}
		c.runOperation(op, action)
	}
}

// runOperation completes op and settles its work accounting. Panics from
// user handlers propagate: the run loop makes no attempt to survive them.
func (c *Context) runOperation(op *operation, action invokeAction) {
	op.complete(action)
	c.workFinished()
}

// pollCompletionQueue performs one completion-queue poll, blocking only when
// no local or remote work and no stop request has been observed. Reports
// false once the queue is shut down and drained.
func (c *Context) pollCompletionQueue() bool {
	timeout := blockingPoll
	if c.stopped.Load() {
		timeout = 0
	}
	ev, res := c.cq.next(timeout)
	switch res {
	case pollEvent:
		action := actionInvoke
		if c.cq.isShutdown() {
			action = actionDiscard
		}
		ev.op.ok = ev.ok
		c.runOperation(ev.op, action)
	case pollTimeout:
	case pollShutdown:
		return false
	}
	return true
}

// shutdownDrain discards operations still queued once the completion queue
// has fully drained; the context is terminal at this point.
func (c *Context) shutdownDrain() {
	for {
		c.processLocalQueue()
		q := c.remote.dequeueAll()
		if q.empty() && c.local.empty() {
			return
		}
		c.local.append(q)
	}
}

// wake posts the context's wakeup tag. Called by the producer that observed
// the remote queue's inactive to active transition, and by workFinished when
// the count drops to zero off the run goroutine. More than one post of the
// tag can be in flight; each counts as work, and consuming it is idempotent.
func (c *Context) wake() {
	c.workStarted()
	c.cq.post(&c.wakeupOp, true)
}

func (c *Context) runningInThisGoroutine() bool {
	id := c.runGoroutine.Load()
	return id != 0 && id == goroutineID()
}

// goroutineID returns the current goroutine's ID.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
