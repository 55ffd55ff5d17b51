package grpctx

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server adapts the transport's push-style stream dispatch to the pull-style
// accept model: each incoming RPC parks its transport goroutine and queues
// per method, and accept operations complete as calls arrive. All accept
// state lives on the context's run goroutine.
//
// Wire a Server into a [grpc.Server] either per service, with
// [Server.RegisterService], or as a catch-all via
// grpc.UnknownServiceHandler([Server.StreamHandler]).
type Server struct {
	c       *Context
	methods map[string]*acceptQueue // run goroutine only
	down    bool                    // run goroutine only
}

// acceptQueue holds the arrivals and the (at most one) outstanding accept
// for a single method.
type acceptQueue struct {
	pending []*ServerRPC
	waiter  *acceptWaiter
}

type acceptWaiter struct {
	op  *handlerOperation
	res *acceptResult
}

// acceptResult carries the accepted RPC from completion to handler; the slot
// is filled on the run goroutine immediately before the operation completes.
type acceptResult struct {
	rpc *ServerRPC
}

// acceptCompletion is the Handler flavor used by accepts: it forwards the
// accepted RPC alongside the boolean outcome.
type acceptCompletion struct {
	res *acceptResult
	fn  func(rpc *ServerRPC, ok bool)
}

func (a acceptCompletion) Complete(ok bool) { a.fn(a.res.rpc, ok) }

// NewServer creates a server-side acceptor driven by c.
func NewServer(c *Context) *Server {
	return &Server{c: c, methods: make(map[string]*acceptQueue)}
}

// Context returns the driving context.
func (s *Server) Context() *Context { return s.c }

// RegisterService registers every method and stream of desc with reg,
// routing them all through the accept model. Unary methods are registered as
// bidirectional streams; the transport routes by full method name either
// way, and the wire format is identical.
func (s *Server) RegisterService(reg grpc.ServiceRegistrar, desc *grpc.ServiceDesc) {
	streams := make([]grpc.StreamDesc, 0, len(desc.Methods)+len(desc.Streams))
	for _, m := range desc.Methods {
		streams = append(streams, grpc.StreamDesc{
			StreamName:    m.MethodName,
			Handler:       s.handleStream,
			ServerStreams: true,
			ClientStreams: true,
		})
	}
	for _, sd := range desc.Streams {
		streams = append(streams, grpc.StreamDesc{
			StreamName:    sd.StreamName,
			Handler:       s.handleStream,
			ServerStreams: true,
			ClientStreams: true,
		})
	}
	// A nil implementation skips the transport's HandlerType check; the
	// stream handlers close over the server instead.
	reg.RegisterService(&grpc.ServiceDesc{
		ServiceName: desc.ServiceName,
		Streams:     streams,
		Metadata:    desc.Metadata,
	}, nil)
}

// StreamHandler returns the generic handler bridging transport dispatch into
// the accept model, suitable for grpc.UnknownServiceHandler.
func (s *Server) StreamHandler() grpc.StreamHandler { return s.handleStream }

func (s *Server) handleStream(_ any, stream grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "grpctx: no method in stream context")
	}
	if s.c.cq.isShutdown() {
		return status.Error(codes.Unavailable, "grpctx: context shut down")
	}
	rpc := &ServerRPC{c: s.c, stream: stream, method: method, done: make(chan struct{})}
	s.c.logger.Debug().Str(`method`, method).Log(`rpc arrived`)
	s.c.Executor().Execute(func() { s.offer(rpc) })
	select {
	case <-rpc.done:
		return rpc.finishErr
	case <-stream.Context().Done():
		// Client gone or transport stopping; any in-flight steps complete
		// with ok false and the user handler drains on its own.
		return status.FromContextError(stream.Context().Err()).Err()
	}
}

// offer hands an arrival to the matching accept, or queues it. Run goroutine
// only.
func (s *Server) offer(rpc *ServerRPC) {
	if s.down {
		rpc.completeRPC(status.New(codes.Unavailable, "server shutting down"))
		return
	}
	q := s.queue(rpc.method)
	if w := q.waiter; w != nil {
		q.waiter = nil
		s.completeAccept(w, rpc, true)
		return
	}
	q.pending = append(q.pending, rpc)
}

// Request arms a single accept for method: fn is invoked - dispatched on ex,
// per the completion-handler rules - with the next arriving RPC and ok true,
// or with a nil RPC and ok false once the server shuts down. At most one
// accept may be outstanding per method.
func (s *Server) Request(method string, ex Executor, fn func(rpc *ServerRPC, ok bool)) {
	res := &acceptResult{}
	var h Handler = acceptCompletion{res: res, fn: fn}
	if ex != (Executor{}) {
		h = BindExecutor(h, ex)
	}
	op := allocHandlerOperation(s.c, h)
	s.c.workStarted()
	s.c.Executor().Execute(func() {
		if s.down {
			s.completeAccept(&acceptWaiter{op: op, res: res}, nil, false)
			return
		}
		q := s.queue(method)
		if len(q.pending) > 0 {
			rpc := q.pending[0]
			q.pending = q.pending[1:]
			s.completeAccept(&acceptWaiter{op: op, res: res}, rpc, true)
			return
		}
		if q.waiter != nil {
			panic("grpctx: accept already outstanding for " + method)
		}
		q.waiter = &acceptWaiter{op: op, res: res}
	})
}

// RepeatedlyRequest keeps exactly one accept outstanding for method from the
// first arm until shutdown: each accepted RPC re-arms the accept and then
// dispatches fn on ex. Concurrency beyond one handler at a time is up to fn;
// arrivals beyond the outstanding accept queue in the server.
func (s *Server) RepeatedlyRequest(method string, ex Executor, fn func(rpc *ServerRPC)) {
	var arm func()
	handle := func(rpc *ServerRPC, ok bool) {
		if !ok {
			return
		}
		arm()
		ex.Execute(func() { fn(rpc) })
	}
	arm = func() { s.Request(method, Executor{}, handle) }
	arm()
}

// Shutdown completes every outstanding accept with ok false and rejects
// queued and subsequent arrivals with UNAVAILABLE. Call it when the
// transport server stops accepting; in-flight handlers drain naturally.
func (s *Server) Shutdown() {
	s.c.Executor().Execute(func() {
		if s.down {
			return
		}
		s.down = true
		s.c.logger.Debug().Log(`server accept shutdown`)
		for _, q := range s.methods {
			if w := q.waiter; w != nil {
				q.waiter = nil
				s.completeAccept(w, nil, false)
			}
			for _, rpc := range q.pending {
				rpc.completeRPC(status.New(codes.Unavailable, "server shutting down"))
			}
			q.pending = nil
		}
	})
}

// completeAccept finishes an accept operation on the run goroutine.
func (s *Server) completeAccept(w *acceptWaiter, rpc *ServerRPC, ok bool) {
	w.res.rpc = rpc
	w.op.op.ok = ok
	s.c.runOperation(&w.op.op, actionInvoke)
}

func (s *Server) queue(method string) *acceptQueue {
	q := s.methods[method]
	if q == nil {
		q = new(acceptQueue)
		s.methods[method] = q
	}
	return q
}
