package grpctx_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	grpctx "github.com/joeycumines/go-grpctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// --- Test service infrastructure ---

const (
	testServiceName = "grpctxtest.TestService"
	methodEcho      = "/grpctxtest.TestService/Echo"
	methodSlow      = "/grpctxtest.TestService/Slow"
	methodSum       = "/grpctxtest.TestService/Sum"
	methodDouble    = "/grpctxtest.TestService/Double"
)

// testServiceDesc is only consumed for its names: the accept model routes
// every method through the generic stream handler.
var testServiceDesc = grpc.ServiceDesc{
	ServiceName: testServiceName,
	Methods: []grpc.MethodDesc{
		{MethodName: "Echo"},
		{MethodName: "Slow"},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Sum", ClientStreams: true},
		{StreamName: "Double", ClientStreams: true, ServerStreams: true},
	},
	Metadata: "grpctxtest.proto",
}

var (
	sumStreamDesc    = grpc.StreamDesc{StreamName: "Sum", ClientStreams: true}
	doubleStreamDesc = grpc.StreamDesc{StreamName: "Double", ClientStreams: true, ServerStreams: true}
)

// newTestContext creates a context and drives it on a dedicated goroutine
// until cleanup.
func newTestContext(t testing.TB) *grpctx.Context {
	t.Helper()
	c := grpctx.New()
	guard := grpctx.NewWorkGuard(c.Executor())
	done := make(chan error, 1)
	go func() { done <- c.Run() }()
	t.Cleanup(func() {
		guard.Release()
		c.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("context did not stop")
		}
	})
	return c
}

// newTestServer wires a Server driven by c into a real gRPC server over
// bufconn and returns a client connection to it.
func newTestServer(t testing.TB, c *grpctx.Context) (*grpctx.Server, grpc.ClientConnInterface) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	srv := grpctx.NewServer(c)
	srv.RegisterService(gs, &testServiceDesc)
	go func() { _ = gs.Serve(lis) }()

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cc.Close()
		gs.Stop()
		_ = lis.Close()
	})
	return srv, cc
}

func finishOK(rpc *grpctx.ServerRPC) grpctx.Handler {
	return grpctx.HandlerFunc(func(ok bool) {
		if !ok {
			rpc.Finish(status.New(codes.Internal, "write failed"), grpctx.HandlerFunc(func(bool) {}))
		}
	})
}

// --- Scenarios ---

// TestRPC_UnaryRoundTrip: the server echoes request.integer back; the client
// observes the same value and status OK.
func TestRPC_UnaryRoundTrip(t *testing.T) {
	sctx := newTestContext(t)
	cctx := newTestContext(t)
	srv, cc := newTestServer(t, sctx)

	srv.RepeatedlyRequest(methodEcho, sctx.Executor(), func(rpc *grpctx.ServerRPC) {
		req := new(wrapperspb.Int64Value)
		rpc.Read(req, grpctx.HandlerFunc(func(ok bool) {
			if !ok {
				rpc.FinishWithError(status.New(codes.InvalidArgument, "missing request"), grpctx.HandlerFunc(func(bool) {}))
				return
			}
			rpc.WriteAndFinish(wrapperspb.Int64(req.GetValue()), nil, grpctx.HandlerFunc(func(bool) {}))
		}))
	})

	call := grpctx.NewUnaryCall(cctx, cc, methodEcho)
	resp := new(wrapperspb.Int64Value)
	ok := grpctx.Await(cctx, func(h grpctx.Handler) {
		call.Invoke(context.Background(), wrapperspb.Int64(7), resp, h)
	})
	require.True(t, ok)
	assert.Equal(t, codes.OK, call.Status().Code())
	assert.EqualValues(t, 7, resp.GetValue())
}

// TestRPC_ClientStreaming: the client writes 1, 2, 3 and half-closes; the
// server reads until ok false and finishes with the sum.
func TestRPC_ClientStreaming(t *testing.T) {
	sctx := newTestContext(t)
	cctx := newTestContext(t)
	srv, cc := newTestServer(t, sctx)

	srv.RepeatedlyRequest(methodSum, sctx.Executor(), func(rpc *grpctx.ServerRPC) {
		var sum int64
		var readNext func()
		readNext = func() {
			req := new(wrapperspb.Int64Value)
			rpc.Read(req, grpctx.HandlerFunc(func(ok bool) {
				if !ok {
					rpc.WriteAndFinish(wrapperspb.Int64(sum), nil, finishOK(rpc))
					return
				}
				sum += req.GetValue()
				readNext()
			}))
		}
		readNext()
	})

	rpc := grpctx.NewClientRPC(cctx, cc, &sumStreamDesc, methodSum)
	require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
		rpc.Start(context.Background(), h)
	}))
	for _, v := range []int64{1, 2, 3} {
		v := v
		require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
			rpc.Write(wrapperspb.Int64(v), h)
		}))
	}
	require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
		rpc.WritesDone(h)
	}))
	resp := new(wrapperspb.Int64Value)
	require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
		rpc.Read(resp, h)
	}))
	require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
		rpc.Finish(h)
	}))
	assert.Equal(t, codes.OK, rpc.Status().Code())
	assert.EqualValues(t, 6, resp.GetValue())
}

// TestRPC_BidirectionalWithWorkerPool: the server reads on the run
// goroutine, doubles each value on a bounded worker pool, and writes results
// back in order.
func TestRPC_BidirectionalWithWorkerPool(t *testing.T) {
	sctx := newTestContext(t)
	cctx := newTestContext(t)
	srv, cc := newTestServer(t, sctx)

	var pool errgroup.Group
	pool.SetLimit(4)
	t.Cleanup(func() { _ = pool.Wait() })

	srv.RepeatedlyRequest(methodDouble, sctx.Executor(), func(rpc *grpctx.ServerRPC) {
		var readNext func()
		readNext = func() {
			req := new(wrapperspb.Int64Value)
			rpc.Read(req, grpctx.HandlerFunc(func(ok bool) {
				if !ok {
					rpc.Finish(nil, grpctx.HandlerFunc(func(bool) {}))
					return
				}
				v := req.GetValue()
				pool.Go(func() error {
					result := v * 2 // compute off the run goroutine
					sctx.Executor().Execute(func() {
						rpc.Write(wrapperspb.Int64(result), grpctx.HandlerFunc(func(ok bool) {
							if ok {
								readNext()
							}
						}))
					})
					return nil
				})
			}))
		}
		readNext()
	})

	rpc := grpctx.NewClientRPC(cctx, cc, &doubleStreamDesc, methodDouble)
	require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
		rpc.Start(context.Background(), h)
	}))
	var got []int64
	for _, v := range []int64{5, 10, 15} {
		v := v
		require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
			rpc.Write(wrapperspb.Int64(v), h)
		}))
		resp := new(wrapperspb.Int64Value)
		require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
			rpc.Read(resp, h)
		}))
		got = append(got, resp.GetValue())
	}
	require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
		rpc.WritesDone(h)
	}))
	// The server finishes cleanly: the next read observes end of stream.
	resp := new(wrapperspb.Int64Value)
	require.False(t, grpctx.Await(cctx, func(h grpctx.Handler) {
		rpc.Read(resp, h)
	}))
	require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
		rpc.Finish(h)
	}))
	assert.Equal(t, codes.OK, rpc.Status().Code())
	assert.Equal(t, []int64{10, 20, 30}, got)
}

// TestRPC_CancelWhilePending: a slow unary call is cancelled 50ms in. The
// server's alarm cancels, the handler finishes, and the client observes
// CANCELLED.
func TestRPC_CancelWhilePending(t *testing.T) {
	sctx := newTestContext(t)
	cctx := newTestContext(t)
	srv, cc := newTestServer(t, sctx)

	alarmOutcome := make(chan bool, 1)
	srv.RepeatedlyRequest(methodSlow, sctx.Executor(), func(rpc *grpctx.ServerRPC) {
		req := new(wrapperspb.Int64Value)
		rpc.Read(req, grpctx.HandlerFunc(func(ok bool) {
			if !ok {
				rpc.FinishWithError(status.New(codes.InvalidArgument, "missing request"), grpctx.HandlerFunc(func(bool) {}))
				return
			}
			alarm := sctx.NewAlarm()
			alarm.Wait(time.Second, grpctx.BindCancel(grpctx.HandlerFunc(func(ok bool) {
				alarmOutcome <- ok
				if ok {
					rpc.WriteAndFinish(wrapperspb.Int64(req.GetValue()), nil, finishOK(rpc))
				} else {
					rpc.FinishWithError(status.New(codes.Canceled, "cancelled"), grpctx.HandlerFunc(func(bool) {}))
				}
			}), rpc.Context()))
		}))
	})

	ctx, cancel := context.WithCancel(context.Background())
	call := grpctx.NewUnaryCall(cctx, cc, methodSlow)
	resp := new(wrapperspb.Int64Value)
	result := make(chan bool, 1)
	go func() {
		result <- grpctx.Await(cctx, func(h grpctx.Handler) {
			call.Invoke(ctx, wrapperspb.Int64(1), resp, h)
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case ok := <-result:
		require.False(t, ok)
		assert.Equal(t, codes.Canceled, call.Status().Code())
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled call did not complete")
	}
	select {
	case ok := <-alarmOutcome:
		assert.False(t, ok, "the pending alarm must cancel, not fire")
	case <-time.After(5 * time.Second):
		t.Fatal("server alarm did not resolve")
	}
	srv.Shutdown()
}

// TestServer_ShutdownCompletesAccept: an armed accept observes ok false on
// shutdown, and later arrivals are rejected with UNAVAILABLE.
func TestServer_ShutdownCompletesAccept(t *testing.T) {
	sctx := newTestContext(t)
	cctx := newTestContext(t)
	srv, cc := newTestServer(t, sctx)

	accepted := make(chan bool, 1)
	srv.Request(methodEcho, grpctx.Executor{}, func(rpc *grpctx.ServerRPC, ok bool) {
		assert.Nil(t, rpc)
		accepted <- ok
	})
	srv.Shutdown()
	select {
	case ok := <-accepted:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not observe shutdown")
	}

	call := grpctx.NewUnaryCall(cctx, cc, methodEcho)
	resp := new(wrapperspb.Int64Value)
	ok := grpctx.Await(cctx, func(h grpctx.Handler) {
		call.Invoke(context.Background(), wrapperspb.Int64(1), resp, h)
	})
	require.False(t, ok)
	assert.Equal(t, codes.Unavailable, call.Status().Code())
}

// TestRPC_SendInitialMetadata: explicit headers flow before the response.
func TestRPC_SendInitialMetadata(t *testing.T) {
	sctx := newTestContext(t)
	cctx := newTestContext(t)
	srv, cc := newTestServer(t, sctx)

	srv.RepeatedlyRequest(methodEcho, sctx.Executor(), func(rpc *grpctx.ServerRPC) {
		req := new(wrapperspb.Int64Value)
		rpc.Read(req, grpctx.HandlerFunc(func(ok bool) {
			if !ok {
				rpc.FinishWithError(status.New(codes.InvalidArgument, "missing request"), grpctx.HandlerFunc(func(bool) {}))
				return
			}
			rpc.SendInitialMetadata(map[string][]string{"x-reply": {"yes"}}, grpctx.HandlerFunc(func(ok bool) {
				if !ok {
					rpc.FinishWithError(status.New(codes.Internal, "header failed"), grpctx.HandlerFunc(func(bool) {}))
					return
				}
				rpc.WriteAndFinish(wrapperspb.Int64(req.GetValue()), nil, finishOK(rpc))
			}))
		}))
	})

	rpc := grpctx.NewClientRPC(cctx, cc, &doubleStreamDesc, methodEcho)
	require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
		rpc.Start(context.Background(), h)
	}))
	require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
		rpc.Write(wrapperspb.Int64(42), h)
	}))
	require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
		rpc.ReadInitialMetadata(h)
	}))
	assert.Equal(t, []string{"yes"}, rpc.Header().Get("x-reply"))
	resp := new(wrapperspb.Int64Value)
	require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
		rpc.Read(resp, h)
	}))
	assert.EqualValues(t, 42, resp.GetValue())
	require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
		rpc.WritesDone(h)
	}))
	require.False(t, grpctx.Await(cctx, func(h grpctx.Handler) {
		rpc.Read(resp, h)
	}))
	require.True(t, grpctx.Await(cctx, func(h grpctx.Handler) {
		rpc.Finish(h)
	}))
	assert.Equal(t, codes.OK, rpc.Status().Code())
}

// TestServer_SequentialAccepts: a repeated-request handler serves many calls
// back to back through the single outstanding accept.
func TestServer_SequentialAccepts(t *testing.T) {
	sctx := newTestContext(t)
	cctx := newTestContext(t)
	srv, cc := newTestServer(t, sctx)

	var served atomic.Int64
	srv.RepeatedlyRequest(methodEcho, sctx.Executor(), func(rpc *grpctx.ServerRPC) {
		served.Add(1)
		req := new(wrapperspb.Int64Value)
		rpc.Read(req, grpctx.HandlerFunc(func(ok bool) {
			if !ok {
				rpc.FinishWithError(status.New(codes.InvalidArgument, "missing request"), grpctx.HandlerFunc(func(bool) {}))
				return
			}
			rpc.WriteAndFinish(wrapperspb.Int64(-req.GetValue()), nil, finishOK(rpc))
		}))
	})

	const calls = 20
	for i := int64(1); i <= calls; i++ {
		call := grpctx.NewUnaryCall(cctx, cc, methodEcho)
		resp := new(wrapperspb.Int64Value)
		ok := grpctx.Await(cctx, func(h grpctx.Handler) {
			call.Invoke(context.Background(), wrapperspb.Int64(i), resp, h)
		})
		require.True(t, ok, "call %d", i)
		require.EqualValues(t, -i, resp.GetValue())
	}
	assert.EqualValues(t, calls, served.Load())
}
