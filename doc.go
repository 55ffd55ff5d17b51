// Package grpctx bridges the completion-queue model of an asynchronous RPC
// transport with a composable asynchronous execution model.
//
// The centerpiece is [Context], an execution context that owns a completion
// queue and drives it from a single run goroutine. Every pending asynchronous
// step is represented by an operation node whose address serves as the
// completion tag; the run loop converts dequeued tags into handler
// invocations, interleaved with work submitted through [Executor.Execute]
// from the run goroutine (a non-atomic local queue) or from any other
// goroutine (a lock-free multi-producer intrusive queue with a built-in
// wakeup contract).
//
// On top of the context sit the RPC primitives: [UnaryCall] and [ClientRPC]
// on the client side, [ServerRPC] plus the [Server] accept model on the
// server side, and [Alarm] for deadline waits. Each primitive starts the
// underlying transport step, suspends until the run loop delivers its tag,
// and completes a [Handler] with a single boolean reflecting the transport
// outcome. Handlers may carry associated state - a dispatch executor, an
// operation pool, and a cancellation context - attached via [BindExecutor],
// [BindPool], and [BindCancel].
//
// [Scheduler] and [ScheduleSender] expose the context as a sender: an
// operation that completes, with no value, on the context's run goroutine.
// [Await] adapts any primitive to a blocking call for goroutine-style code.
//
// All completion handlers run on the run goroutine unless re-dispatched via
// an associated executor, so per-context state needs no locking. Cross-thread
// coordination is confined to the remote queue head, the work counter, and
// the completion queue itself.
package grpctx
