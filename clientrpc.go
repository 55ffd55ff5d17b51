package grpctx

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryCall performs a unary RPC as a single completion-queue operation.
// The handler completes with ok true iff the call finished with status OK;
// the precise status is available from [UnaryCall.Status] afterwards.
type UnaryCall struct {
	c      *Context
	cc     grpc.ClientConnInterface
	method string
	opts   []grpc.CallOption
	st     *status.Status
}

// NewUnaryCall prepares a unary call against method on cc.
func NewUnaryCall(c *Context, cc grpc.ClientConnInterface, method string, opts ...grpc.CallOption) *UnaryCall {
	return &UnaryCall{c: c, cc: cc, method: method, opts: opts}
}

// Invoke issues the call. Cancelling ctx, or a cancellation context bound to
// h, aborts the call; the handler then completes with ok false and a
// CANCELLED status. Invoke may be called at most once per UnaryCall.
func (u *UnaryCall) Invoke(ctx context.Context, req, resp any, h Handler) {
	callCtx, cancel := context.WithCancel(ctx)
	op := allocHandlerOperation(u.c, h)
	if cctx := associatedCancel(h); cctx != nil {
		op.stop = context.AfterFunc(cctx, cancel)
	}
	u.c.workStarted()
	go func() {
		err := u.cc.Invoke(callCtx, u.method, req, resp, u.opts...)
		u.st = status.Convert(err)
		cancel()
		u.c.cq.post(&op.op, err == nil)
	}()
}

// Status returns the final status. Valid once the Invoke handler has
// completed; not safe for use concurrently with the call.
func (u *UnaryCall) Status() *status.Status { return u.st }

// ClientRPC drives one client-side streaming call as a sequence of
// completion-queue operations over a [grpc.ClientStream]. At most one read
// step and one write step may be outstanding at a time, matching the
// underlying stream's contract; the accessors are only valid between steps.
//
// A typical client-streaming exchange:
//
//	rpc := grpctx.NewClientRPC(c, cc, &desc, "/pkg.Service/Method")
//	rpc.Start(ctx, startHandler)
//	// per message, after the previous write completed:
//	rpc.Write(msg, writeHandler)
//	rpc.WritesDone(doneHandler)
//	rpc.Read(&resp, readHandler)
//	rpc.Finish(finishHandler)
type ClientRPC struct {
	c      *Context
	cc     grpc.ClientConnInterface
	desc   *grpc.StreamDesc
	method string
	opts   []grpc.CallOption

	cancel     context.CancelFunc
	stream     grpc.ClientStream
	header     metadata.MD
	lastErr    error
	writesDone bool
	st         *status.Status
}

// NewClientRPC prepares a streaming call against method on cc.
func NewClientRPC(c *Context, cc grpc.ClientConnInterface, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) *ClientRPC {
	return &ClientRPC{c: c, cc: cc, desc: desc, method: method, opts: opts}
}

// Start opens the stream; the handler completes with ok true once the call
// is established. Cancelling ctx, or a cancellation context bound to h,
// aborts the call: Start completes with ok false if the call is not yet
// established, and once it is, subsequent Read, Write and
// ReadInitialMetadata steps complete with ok false. Finish still completes
// with ok true and records the resulting status.
func (r *ClientRPC) Start(ctx context.Context, h Handler) {
	callCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	op := allocHandlerOperation(r.c, h)
	if cctx := associatedCancel(h); cctx != nil {
		op.stop = context.AfterFunc(cctx, cancel)
	}
	r.c.workStarted()
	go func() {
		stream, err := r.cc.NewStream(callCtx, r.desc, r.method, r.opts...)
		if err != nil {
			r.lastErr = err
		}
		r.stream = stream
		r.c.cq.post(&op.op, err == nil)
	}()
}

// Read receives the next response message into msg. Completes with ok false
// at the end of the response stream or on error; the terminating error feeds
// the status computed by Finish.
func (r *ClientRPC) Read(msg any, h Handler) {
	r.step(h, func() bool {
		if err := r.stream.RecvMsg(msg); err != nil {
			r.lastErr = err
			return false
		}
		return true
	})
}

// Write sends msg. Completes with ok false once the stream is broken; the
// definitive status still comes from Finish.
func (r *ClientRPC) Write(msg any, h Handler) {
	r.step(h, func() bool {
		if err := r.stream.SendMsg(msg); err != nil {
			r.lastErr = err
			return false
		}
		return true
	})
}

// WritesDone half-closes the send direction.
func (r *ClientRPC) WritesDone(h Handler) {
	r.step(h, func() bool {
		r.writesDone = true
		return r.stream.CloseSend() == nil
	})
}

// ReadInitialMetadata waits for the server's initial metadata, available
// from [ClientRPC.Header] on completion.
func (r *ClientRPC) ReadInitialMetadata(h Handler) {
	r.step(h, func() bool {
		md, err := r.stream.Header()
		if err != nil {
			r.lastErr = err
			return false
		}
		r.header = md
		return true
	})
}

// Finish completes the call: the send direction is closed if it is still
// open, and the final status is derived from the last observed stream error.
// Call Finish after the response stream is exhausted - that is, after a Read
// completed with ok false, or after the single expected response of a
// non-server-streaming call was read. Finish itself completes with ok true.
func (r *ClientRPC) Finish(h Handler) {
	r.step(h, func() bool {
		if !r.writesDone {
			r.writesDone = true
			_ = r.stream.CloseSend()
		}
		switch err := r.lastErr; {
		case err == nil, errors.Is(err, io.EOF):
			r.st = status.New(codes.OK, "")
		default:
			r.st = status.Convert(err)
		}
		if r.cancel != nil {
			r.cancel()
		}
		return true
	})
}

// Cancel aborts the call immediately.
func (r *ClientRPC) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Status returns the final status computed by Finish.
func (r *ClientRPC) Status() *status.Status { return r.st }

// Header returns the initial metadata captured by ReadInitialMetadata.
func (r *ClientRPC) Header() metadata.MD { return r.header }

// Trailer returns the trailing metadata; per the stream contract it is only
// valid after the final status is known.
func (r *ClientRPC) Trailer() metadata.MD {
	if r.stream == nil {
		return nil
	}
	return r.stream.Trailer()
}

// step runs fn off-loop and posts the operation's tag with its outcome. The
// single-outstanding-step contract sequences all field access: fn's writes
// happen before the handler (and anything after it) reads them.
func (r *ClientRPC) step(h Handler, fn func() bool) {
	op := allocHandlerOperation(r.c, h)
	r.c.workStarted()
	go func() {
		r.c.cq.post(&op.op, fn())
	}()
}
