package grpctx

import "sync"

// Blocking controls whether an executor may run submitted work inline on the
// calling goroutine.
type Blocking uint8

const (
	// BlockingNever queues work for the run goroutine even when the caller
	// is already on it.
	BlockingNever Blocking = iota
	// BlockingPossibly runs work inline when the caller is already the run
	// goroutine, queueing otherwise.
	BlockingPossibly
)

// Relationship is a scheduling hint distinguishing independent work from a
// continuation of the submitting task. The single-threaded context executes
// both identically; the option participates in executor equality.
type Relationship uint8

const (
	RelationshipFork Relationship = iota
	RelationshipContinuation
)

// Executor is a cheap value handle referencing a context plus dispatch
// options. Executors are comparable: two handles are equal when they
// reference the same context with the same options, which makes the WithX
// modifiers idempotent.
type Executor struct {
	c            *Context
	pool         *OperationPool
	blocking     Blocking
	relationship Relationship
	tracked      bool
}

// Executor returns the context's default executor: never-blocking, fork
// relationship, untracked, default pool.
func (c *Context) Executor() Executor { return Executor{c: c} }

// InlineExecutor returns the system inline executor: Execute runs the
// function immediately on the calling goroutine. It is the one executor for
// which completion-handler work tracking is elided.
func InlineExecutor() Executor { return Executor{} }

// Context returns the referenced context, or nil for the inline executor.
func (e Executor) Context() *Context { return e.c }

// WithBlocking returns a copy of the executor with the given blocking mode.
func (e Executor) WithBlocking(b Blocking) Executor {
	e.blocking = b
	return e
}

// WithRelationship returns a copy of the executor with the given
// relationship hint.
func (e Executor) WithRelationship(r Relationship) Executor {
	e.relationship = r
	return e
}

// WithTrackedWork returns a copy of the executor with the tracked-work flag
// set or cleared. The flag is reported by [Executor.TrackedWork] and takes
// part in executor equality; it does not itself hold work on the context,
// and completion-handler work guards depend only on whether the handler's
// executor references another context. See also [NewWorkGuard].
func (e Executor) WithTrackedWork(tracked bool) Executor {
	e.tracked = tracked
	return e
}

// WithPool returns a copy of the executor carrying pool. The pool is reported
// by [Executor.Pool] and takes part in executor equality; Execute does not
// draw operation storage from it, and handler operations take theirs from a
// pool bound with [BindPool] or from the context default.
func (e Executor) WithPool(pool *OperationPool) Executor {
	e.pool = pool
	return e
}

// Blocking returns the executor's blocking mode.
func (e Executor) Blocking() Blocking { return e.blocking }

// Relationship returns the executor's relationship hint.
func (e Executor) Relationship() Relationship { return e.relationship }

// TrackedWork reports whether the executor tracks work.
func (e Executor) TrackedWork() bool { return e.tracked }

// Pool returns the bound operation pool, or nil for the context default.
func (e Executor) Pool() *OperationPool { return e.pool }

// Execute submits fn. On the run goroutine a possibly-blocking executor runs
// fn inline; otherwise fn is pushed onto the local queue. From any other
// goroutine fn is pushed onto the remote queue, waking the consumer when the
// queue's enqueue reports it inactive. The inline executor always runs fn
// immediately.
//
// Execute against a context whose Run has already returned for lack of work
// is lost unless the caller holds a [WorkGuard].
func (e Executor) Execute(fn func()) {
	c := e.c
	if c == nil {
		fn()
		return
	}
	if c.runningInThisGoroutine() {
		if e.blocking == BlockingPossibly {
			fn()
			return
		}
		c.workStarted()
		c.local.push(newFuncOperation(fn))
		return
	}
	c.workStarted()
	if c.remote.enqueue(newFuncOperation(fn)) {
		c.wake()
	}
}

// WorkGuard marks work as outstanding on a context, keeping its run loop
// alive until released. Release is idempotent, and the guard is safe for
// concurrent use.
type WorkGuard struct {
	c    *Context
	once sync.Once
}

// NewWorkGuard starts tracking work against e's context. Guards against the
// inline executor are inert.
func NewWorkGuard(e Executor) *WorkGuard {
	g := &WorkGuard{c: e.c}
	if g.c != nil {
		g.c.workStarted()
	}
	return g
}

// Release ends the guard's work tracking. Only the first call has effect.
func (g *WorkGuard) Release() {
	g.once.Do(func() {
		if g.c != nil {
			g.c.workFinished()
		}
	})
}
