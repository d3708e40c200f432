package connmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/spirit-labs/chanrpc/bus"
	"github.com/spirit-labs/chanrpc/conf"
	"github.com/spirit-labs/chanrpc/errors"
	"github.com/spirit-labs/chanrpc/rpc"
	"github.com/spirit-labs/chanrpc/sockbus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

const testPrefix = "chanrpc-test"

type fixture struct {
	host     *Host
	client   *Client
	handlers *testHandlers
	// peer is the client's identity as seen by the host
	peer string
}

type fixtureFactory func(t *testing.T, hostConf Conf) *fixture

type testHandlers struct {
	blocked   chan struct{}
	cancelled chan error
}

func testDesc() *rpc.ServiceDesc {
	return rpc.MustServiceDesc("test.Svc",
		rpc.MethodDesc{Name: "Echo", Kind: rpc.Unary},
		rpc.MethodDesc{Name: "Fail", Kind: rpc.Unary},
		rpc.MethodDesc{Name: "Boom", Kind: rpc.Unary},
		rpc.MethodDesc{Name: "Silent", Kind: rpc.Unary},
		rpc.MethodDesc{Name: "Block", Kind: rpc.Unary},
		rpc.MethodDesc{Name: "Header", Kind: rpc.Unary},
		rpc.MethodDesc{Name: "Count", Kind: rpc.ClientStreaming},
		rpc.MethodDesc{Name: "Repeat", Kind: rpc.ServerStreaming},
		rpc.MethodDesc{Name: "FailStream", Kind: rpc.ServerStreaming},
		rpc.MethodDesc{Name: "Forever", Kind: rpc.ServerStreaming},
		rpc.MethodDesc{Name: "Chat", Kind: rpc.BidiStreaming},
	)
}

func newTestRouter(t *testing.T) (*rpc.Router, *testHandlers) {
	th := &testHandlers{blocked: make(chan struct{}, 10), cancelled: make(chan error, 10)}
	svc := rpc.NewService(testDesc())
	svc.MustHandle("Echo", rpc.UnaryFunc(func(_ context.Context, req json.RawMessage) (json.RawMessage, error) {
		return req, nil
	}).Handler())
	svc.MustHandle("Fail", rpc.UnaryFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.NewError(codes.PermissionDenied, "denied")
	}).Handler())
	svc.MustHandle("Boom", rpc.UnaryFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}).Handler())
	svc.MustHandle("Silent", func(context.Context, rpc.Receiver, rpc.Sender) error {
		return nil
	})
	svc.MustHandle("Block", rpc.UnaryFunc(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		th.blocked <- struct{}{}
		<-ctx.Done()
		th.cancelled <- ctx.Err()
		return nil, ctx.Err()
	}).Handler())
	svc.MustHandle("Header", rpc.UnaryFunc(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		info, _ := rpc.CallInfoFromContext(ctx)
		return json.Marshal(map[string]interface{}{
			"header": rpc.HeaderFromContext(ctx).Get("x-test"),
			"peer":   info.Peer,
			"method": info.Method,
			"kind":   info.Kind.String(),
		})
	}).Handler())
	svc.MustHandle("Count", rpc.ClientStreamFunc(func(_ context.Context, in rpc.Receiver) (json.RawMessage, error) {
		n := 0
		for {
			_, err := in.Recv()
			if err == io.EOF {
				return json.Marshal(n)
			}
			if err != nil {
				return nil, err
			}
			n++
		}
	}).Handler())
	svc.MustHandle("Repeat", rpc.ServerStreamFunc(func(_ context.Context, req json.RawMessage, out rpc.Sender) error {
		var n int
		if err := json.Unmarshal(req, &n); err != nil {
			return errors.NewError(codes.InvalidArgument, "request must be a number")
		}
		for i := 0; i < n; i++ {
			if err := out.Send(json.RawMessage(fmt.Sprintf("%d", i))); err != nil {
				return err
			}
		}
		return nil
	}).Handler())
	svc.MustHandle("FailStream", rpc.ServerStreamFunc(func(_ context.Context, _ json.RawMessage, out rpc.Sender) error {
		if err := out.Send(json.RawMessage(`"partial"`)); err != nil {
			return err
		}
		return errors.NewError(codes.DataLoss, "lost the rest")
	}).Handler())
	svc.MustHandle("Forever", rpc.ServerStreamFunc(func(ctx context.Context, _ json.RawMessage, out rpc.Sender) error {
		th.blocked <- struct{}{}
		for i := 0; ; i++ {
			if err := out.Send(json.RawMessage(fmt.Sprintf("%d", i))); err != nil {
				th.cancelled <- err
				return err
			}
			select {
			case <-ctx.Done():
				th.cancelled <- ctx.Err()
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}).Handler())
	svc.MustHandle("Chat", rpc.BidiFunc(func(_ context.Context, in rpc.Receiver, out rpc.Sender) error {
		for {
			v, err := in.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if err := out.Send(v); err != nil {
				return err
			}
		}
	}).Handler())
	router := rpc.NewRouter()
	require.NoError(t, router.Register(svc))
	return router, th
}

func localFixture(t *testing.T, hostConf Conf) *fixture {
	router, th := newTestRouter(t)
	lb := bus.NewLocalBus(0)
	host, err := NewHost(testPrefix, router, hostConf)
	require.NoError(t, err)
	host.Serve(lb.Endpoint("host"))
	client, err := NewClient(lb.Endpoint("page"), testPrefix, NewConf())
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		host.Close()
		lb.Close()
	})
	return &fixture{host: host, client: client, handlers: th, peer: "page"}
}

func socketFixture(t *testing.T, hostConf Conf) *fixture {
	router, th := newTestRouter(t)
	host, err := NewHost(testPrefix, router, hostConf)
	require.NoError(t, err)
	accepted := make(chan *sockbus.Endpoint, 1)
	server := sockbus.NewServer("127.0.0.1:0", conf.TLSConfig{}, sockbus.Options{}, func(ep *sockbus.Endpoint) {
		host.Serve(ep)
		accepted <- ep
	})
	require.NoError(t, server.Start())
	ep, err := sockbus.Dial(context.Background(), server.Address(), nil, sockbus.Options{})
	require.NoError(t, err)
	client, err := NewClient(ep, testPrefix, NewConf())
	require.NoError(t, err)
	var serverSide *sockbus.Endpoint
	select {
	case serverSide = <-accepted:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "connection not accepted")
	}
	t.Cleanup(func() {
		client.Close()
		host.Close()
		_ = ep.Close()
		_ = server.Stop()
	})
	return &fixture{host: host, client: client, handlers: th, peer: serverSide.Peer()}
}

func receiveSignal(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "handler was not entered")
	}
}

func receiveErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for error")
		return nil
	}
}
