package grpctx

import (
	"context"
	"sync"
)

// Handler consumes the boolean transport outcome of a completed operation.
// A handler may carry associated state - a dispatch executor, an operation
// pool, and a cancellation context - attached with [BindExecutor],
// [BindPool], and [BindCancel]. Association queries walk the binder chain
// outermost-first, so rebinding overrides an inner binding.
type Handler interface {
	Complete(ok bool)
}

// HandlerFunc adapts a plain function to a [Handler] with no associations.
type HandlerFunc func(ok bool)

func (f HandlerFunc) Complete(ok bool) { f(ok) }

// handlerWrapper is implemented by binders so association queries can strip
// them off and inspect the wrapped handler.
type handlerWrapper interface{ unwrap() Handler }

type executorProvider interface{ associatedExecutor() (Executor, bool) }

type poolProvider interface{ associatedPool() (*OperationPool, bool) }

type cancelProvider interface{ associatedCancel() (context.Context, bool) }

type executorBinder struct {
	Handler
	ex Executor
}

func (b executorBinder) unwrap() Handler                      { return b.Handler }
func (b executorBinder) associatedExecutor() (Executor, bool) { return b.ex, true }

// BindExecutor associates ex with h. Completions of operations started with
// the returned handler are dispatched through ex rather than run inline on
// the operation's own context.
func BindExecutor(h Handler, ex Executor) Handler {
	return executorBinder{Handler: h, ex: ex}
}

type poolBinder struct {
	Handler
	pool *OperationPool
}

func (b poolBinder) unwrap() Handler                           { return b.Handler }
func (b poolBinder) associatedPool() (*OperationPool, bool) { return b.pool, true }

// BindPool associates an operation pool with h; operations started with the
// returned handler draw their storage from pool instead of the context
// default.
func BindPool(h Handler, pool *OperationPool) Handler {
	return poolBinder{Handler: h, pool: pool}
}

type cancelBinder struct {
	Handler
	ctx context.Context
}

func (b cancelBinder) unwrap() Handler                              { return b.Handler }
func (b cancelBinder) associatedCancel() (context.Context, bool) { return b.ctx, true }

// BindCancel associates a cancellation context with h. Primitives that
// support cancellation (alarms, call starts) observe ctx; other primitives
// record it but run to natural completion.
func BindCancel(h Handler, ctx context.Context) Handler {
	return cancelBinder{Handler: h, ctx: ctx}
}

// associatedExecutor resolves h's executor, falling back to the given
// default.
func associatedExecutor(h Handler, fallback Executor) Executor {
	for h != nil {
		if p, ok := h.(executorProvider); ok {
			if ex, ok := p.associatedExecutor(); ok {
				return ex
			}
		}
		w, ok := h.(handlerWrapper)
		if !ok {
			break
		}
		h = w.unwrap()
	}
	return fallback
}

// associatedPool resolves h's operation pool, falling back to the given
// default.
func associatedPool(h Handler, fallback *OperationPool) *OperationPool {
	for h != nil {
		if p, ok := h.(poolProvider); ok {
			if pool, ok := p.associatedPool(); ok && pool != nil {
				return pool
			}
		}
		w, ok := h.(handlerWrapper)
		if !ok {
			break
		}
		h = w.unwrap()
	}
	return fallback
}

// associatedCancel resolves h's cancellation context, or nil.
func associatedCancel(h Handler) context.Context {
	for h != nil {
		if p, ok := h.(cancelProvider); ok {
			if ctx, ok := p.associatedCancel(); ok {
				return ctx
			}
		}
		w, ok := h.(handlerWrapper)
		if !ok {
			break
		}
		h = w.unwrap()
	}
	return nil
}

// OperationPool recycles the operation nodes that carry completion handlers.
// It is the allocator of the completion model: bind one with [BindPool] to
// control where a particular operation's storage comes from. Each context
// owns a default pool. Use [NewOperationPool]; the zero value is not usable.
type OperationPool struct {
	pool sync.Pool
}

func NewOperationPool() *OperationPool {
	p := new(OperationPool)
	p.pool.New = func() any {
		o := &handlerOperation{pool: p}
		o.op.complete = o.completeOp
		return o
	}
	return p
}

func (p *OperationPool) get() *handlerOperation {
	return p.pool.Get().(*handlerOperation)
}

func (p *OperationPool) put(o *handlerOperation) {
	o.c = nil
	o.h = nil
	o.ex = Executor{}
	o.guard = nil
	o.stop = nil
	o.op.next = nil
	o.op.ok = false
	p.pool.Put(o)
}

// handlerOperation carries a user completion handler together with the
// associated state extracted when the operation starts: the dispatch
// executor, a work guard on the executor's context when it differs from the
// operation's own, and the stop function of a cancellation watcher, if any.
type handlerOperation struct {
	op    operation
	c     *Context
	h     Handler
	ex    Executor
	guard *WorkGuard
	stop  func() bool
	pool  *OperationPool
}

// allocHandlerOperation prepares an operation for h against c, resolving the
// associated pool and executor. A handler whose executor references another
// context keeps that context's run loop alive until the handler is invoked;
// tracking is elided for the inline executor, and the operation's own
// context is already kept alive by the operation itself.
func allocHandlerOperation(c *Context, h Handler) *handlerOperation {
	pool := associatedPool(h, c.opPool)
	o := pool.get()
	o.c = c
	o.h = h
	o.ex = associatedExecutor(h, c.Executor())
	if o.ex.c != nil && o.ex.c != c {
		o.guard = NewWorkGuard(o.ex)
	}
	return o
}

// completeOp is the completion function shared by all handler operations. It
// releases the node before touching the handler so that handlers may start
// new operations without contending for storage.
func (o *handlerOperation) completeOp(action invokeAction) {
	c, h, ex, guard, stop, ok := o.c, o.h, o.ex, o.guard, o.stop, o.op.ok
	o.pool.put(o)
	if stop != nil {
		stop()
	}
	if action != actionInvoke {
		if guard != nil {
			guard.Release()
		}
		return
	}
	dispatchCompletion(c, ex, guard, h, ok)
}

// dispatchCompletion invokes h on its associated executor with blocking
// "possibly": completions belonging to the dispatching context (or to the
// inline executor) run inline on the run goroutine, completions bound to
// another context are re-dispatched onto it.
func dispatchCompletion(c *Context, ex Executor, guard *WorkGuard, h Handler, ok bool) {
	if ex.c == nil || ex.c == c {
		h.Complete(ok)
		return
	}
	ex.WithBlocking(BlockingPossibly).Execute(func() { h.Complete(ok) })
	if guard != nil {
		guard.Release()
	}
}
