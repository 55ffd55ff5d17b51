package grpctx

// Scheduler produces schedule senders for a context.
type Scheduler struct {
	c *Context
}

// Scheduler returns the context's scheduler.
func (c *Context) Scheduler() Scheduler { return Scheduler{c: c} }

// Context returns the referenced context.
func (s Scheduler) Context() *Context { return s.c }

// Schedule returns a sender that completes, with no value, on the context's
// run goroutine.
func (s Scheduler) Schedule() ScheduleSender { return ScheduleSender{c: s.c} }

// Receiver consumes a schedule sender's completion.
type Receiver interface {
	// SetValue is invoked on the run goroutine when the scheduled operation
	// executes.
	SetValue()
	// SetDone is invoked when the operation is abandoned: the context was
	// shut down before the operation could run.
	SetDone()
}

// ScheduleSender is a lazily started operation factory whose operations
// complete on the owning context's run goroutine. The sender never produces
// an error: starting after shutdown, or being drained during shutdown,
// delivers SetDone instead.
type ScheduleSender struct {
	c *Context
}

// Connect binds r to the sender, returning an unstarted operation state.
func (s ScheduleSender) Connect(r Receiver) *ScheduleOperation {
	o := &ScheduleOperation{c: s.c, r: r}
	o.op.complete = o.completeOp
	return o
}

// Submit connects r and immediately starts the resulting operation.
func (s ScheduleSender) Submit(r Receiver) {
	s.Connect(r).Start()
}

// ScheduleOperation is the operation state for a connected schedule sender.
// Start may be called at most once.
type ScheduleOperation struct {
	op operation
	c  *Context
	r  Receiver
}

// Start enqueues the operation: onto the local queue from the run goroutine,
// onto the remote queue (waking the consumer as needed) from anywhere else.
// If the context is already shut down the receiver observes SetDone
// immediately, on the calling goroutine.
func (o *ScheduleOperation) Start() {
	c := o.c
	if c.cq.isShutdown() {
		o.r.SetDone()
		return
	}
	c.workStarted()
	if c.runningInThisGoroutine() {
		c.local.push(&o.op)
		return
	}
	if c.remote.enqueue(&o.op) {
		c.wake()
	}
}

func (o *ScheduleOperation) completeOp(action invokeAction) {
	if action == actionInvoke {
		o.r.SetValue()
	} else {
		o.r.SetDone()
	}
}
