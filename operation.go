package grpctx

import "sync"

// invokeAction tells an operation's completion function whether to run the
// user handler or dispose of the operation without running it.
type invokeAction uint8

const (
	// actionInvoke runs the handler with the operation's recorded result.
	actionInvoke invokeAction = iota
	// actionDiscard frees the operation without running the handler. Pending
	// tags take this path when the context is shut down.
	actionDiscard
)

// operation is a single pending asynchronous step. Its address serves as the
// completion tag handed to the completion queue, and as the link for the
// local and remote intrusive queues. The completion function runs exactly
// once, on the run goroutine: it either invokes the handler or discards it,
// and it is responsible for releasing the operation's storage.
//
// An operation is owned by itself once published: the creator allocates it,
// hands the pointer to a queue or the completion queue, and must not touch
// it again until the completion function reclaims it.
type operation struct {
	next     *operation
	complete func(action invokeAction)
	ok       bool
}

// funcOperation adapts a plain func to an operation. Nodes are pooled; the
// completion closure is created once per node and rebound through the fn
// field, so steady-state submission does not allocate.
type funcOperation struct {
	op operation
	fn func()
}

var funcOperationPool sync.Pool

func init() {
	funcOperationPool.New = func() any {
		f := new(funcOperation)
		f.op.complete = func(action invokeAction) {
			fn := f.fn
			f.fn = nil
			funcOperationPool.Put(f)
			if action == actionInvoke {
				fn()
			}
		}
		return f
	}
}

func newFuncOperation(fn func()) *operation {
	f := funcOperationPool.Get().(*funcOperation)
	f.fn = fn
	f.op.next = nil
	return &f.op
}
