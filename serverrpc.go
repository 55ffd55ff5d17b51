package grpctx

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServerRPC is one accepted server-side call, driven as completion-queue
// operations over the [grpc.ServerStream] supplied by the transport. The
// transport's handler goroutine stays parked until the call is finished (or
// the client goes away); user code owns the RPC from acceptance until one of
// the finishing steps completes.
//
// At most one read step and one write step may be outstanding at a time.
type ServerRPC struct {
	c      *Context
	stream grpc.ServerStream
	method string

	done      chan struct{}
	finishErr error
	finished  atomic.Bool
	lastErr   error
}

// Method returns the full method name, e.g. "/pkg.Service/Method".
func (r *ServerRPC) Method() string { return r.method }

// Context returns the call's context; it is done once the client cancels,
// the deadline passes, or the transport server stops.
func (r *ServerRPC) Context() context.Context { return r.stream.Context() }

// Read receives the next request message into msg. Completes with ok false
// at client half-close, cancellation, or error.
func (r *ServerRPC) Read(msg any, h Handler) {
	r.step(h, func() bool {
		if err := r.stream.RecvMsg(msg); err != nil {
			r.lastErr = err
			return false
		}
		return true
	})
}

// Write sends one response message.
func (r *ServerRPC) Write(msg any, h Handler) {
	r.step(h, func() bool { return r.stream.SendMsg(msg) == nil })
}

// WriteLast sends the final response message; no further writes may follow,
// only a finishing step.
func (r *ServerRPC) WriteLast(msg any, h Handler) {
	r.Write(msg, h)
}

// WriteAndFinish sends msg and completes the call with st in a single step.
// Completes with ok false if the write failed, in which case the call is
// finished with the write error instead.
func (r *ServerRPC) WriteAndFinish(msg any, st *status.Status, h Handler) {
	r.step(h, func() bool {
		if err := r.stream.SendMsg(msg); err != nil {
			r.completeRPC(status.Convert(err))
			return false
		}
		return r.completeRPC(st)
	})
}

// Finish completes the call with st (nil means OK). Completes with ok false
// if the call was already finished.
func (r *ServerRPC) Finish(st *status.Status, h Handler) {
	r.step(h, func() bool { return r.completeRPC(st) })
}

// FinishWithError completes the call with a non-OK status without sending a
// response message.
func (r *ServerRPC) FinishWithError(st *status.Status, h Handler) {
	r.Finish(st, h)
}

// SendInitialMetadata flushes header metadata to the client. Headers are
// otherwise sent implicitly with the first write.
func (r *ServerRPC) SendInitialMetadata(md metadata.MD, h Handler) {
	r.step(h, func() bool { return r.stream.SendHeader(md) == nil })
}

// SetTrailer accumulates trailing metadata, delivered when the call
// finishes.
func (r *ServerRPC) SetTrailer(md metadata.MD) { r.stream.SetTrailer(md) }

// completeRPC releases the transport handler goroutine with st's error. Only
// the first completion wins.
func (r *ServerRPC) completeRPC(st *status.Status) bool {
	if !r.finished.CompareAndSwap(false, true) {
		return false
	}
	r.finishErr = st.Err()
	close(r.done)
	return true
}

func (r *ServerRPC) step(h Handler, fn func() bool) {
	op := allocHandlerOperation(r.c, h)
	r.c.workStarted()
	go func() {
		r.c.cq.post(&op.op, fn())
	}()
}
