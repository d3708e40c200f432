package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/spirit-labs/chanrpc/bus"
	"github.com/spirit-labs/chanrpc/connmgr"
	"github.com/spirit-labs/chanrpc/errors"
	"github.com/spirit-labs/chanrpc/rpc"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

func demoDesc() *rpc.ServiceDesc {
	return rpc.MustServiceDesc("demo.Svc",
		rpc.MethodDesc{Name: "Echo", Kind: rpc.Unary},
		rpc.MethodDesc{Name: "Fail", Kind: rpc.Unary},
		rpc.MethodDesc{Name: "Header", Kind: rpc.Unary},
		rpc.MethodDesc{Name: "Block", Kind: rpc.Unary},
		rpc.MethodDesc{Name: "Sum", Kind: rpc.ClientStreaming},
		rpc.MethodDesc{Name: "Count", Kind: rpc.ServerStreaming},
		rpc.MethodDesc{Name: "Chat", Kind: rpc.BidiStreaming},
	)
}

type backendEvents struct {
	blocked   chan struct{}
	cancelled chan error
}

func demoService(ev *backendEvents) *rpc.Service {
	svc := rpc.NewService(demoDesc())
	svc.MustHandle("Echo", rpc.UnaryFunc(func(_ context.Context, req json.RawMessage) (json.RawMessage, error) {
		return req, nil
	}).Handler())
	svc.MustHandle("Fail", rpc.UnaryFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.NewError(codes.PermissionDenied, "denied")
	}).Handler())
	svc.MustHandle("Header", rpc.UnaryFunc(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		md := rpc.HeaderFromContext(ctx)
		return json.Marshal(map[string][]string{"test": md.Get("x-test"), "added": md.Get("x-added")})
	}).Handler())
	svc.MustHandle("Block", rpc.UnaryFunc(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		ev.blocked <- struct{}{}
		<-ctx.Done()
		ev.cancelled <- ctx.Err()
		return nil, ctx.Err()
	}).Handler())
	svc.MustHandle("Sum", rpc.ClientStreamFunc(func(_ context.Context, in rpc.Receiver) (json.RawMessage, error) {
		total := 0
		for {
			v, err := in.Recv()
			if err == io.EOF {
				return json.Marshal(total)
			}
			if err != nil {
				return nil, err
			}
			var n int
			if err := json.Unmarshal(v, &n); err != nil {
				return nil, errors.NewError(codes.InvalidArgument, "not a number")
			}
			total += n
		}
	}).Handler())
	svc.MustHandle("Count", rpc.ServerStreamFunc(func(_ context.Context, req json.RawMessage, out rpc.Sender) error {
		var n int
		if err := json.Unmarshal(req, &n); err != nil {
			return errors.NewError(codes.InvalidArgument, "not a number")
		}
		for i := 0; i < n; i++ {
			if err := out.Send(json.RawMessage(fmt.Sprintf("%d", i))); err != nil {
				return err
			}
		}
		return nil
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
	return svc
}

// chain runs page -> relay -> backend over one local bus. The relay serves a proxy of the backend's service.
type chain struct {
	client *connmgr.Client
	events *backendEvents
}

func newChain(t *testing.T, opts ...Option) *chain {
	lb := bus.NewLocalBus(0)
	ev := &backendEvents{blocked: make(chan struct{}, 10), cancelled: make(chan error, 10)}

	backendRouter := rpc.NewRouter()
	require.NoError(t, backendRouter.Register(demoService(ev)))
	backend, err := connmgr.NewHost("backend", backendRouter, connmgr.NewConf())
	require.NoError(t, err)
	backend.Serve(lb.Endpoint("backend"))

	relayEndpoint := lb.Endpoint("relay")
	downstream, err := connmgr.NewClient(relayEndpoint, "backend", connmgr.NewConf())
	require.NoError(t, err)
	relayRouter := rpc.NewRouter()
	require.NoError(t, relayRouter.Register(New(demoDesc(), downstream, opts...)))
	relay, err := connmgr.NewHost("relay", relayRouter, connmgr.NewConf())
	require.NoError(t, err)
	relay.Serve(relayEndpoint)

	client, err := connmgr.NewClient(lb.Endpoint("page"), "relay", connmgr.NewConf())
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		relay.Close()
		downstream.Close()
		backend.Close()
		lb.Close()
	})
	return &chain{client: client, events: ev}
}

func recvAll(t *testing.T, stream rpc.Stream) []string {
	var out []string
	for {
		v, err := stream.Recv()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(v))
	}
}

type testCase struct {
	caseName string
	f        func(t *testing.T)
}

func TestProxyOverBus(t *testing.T) {
	for _, tc := range proxyTestCases {
		t.Run(tc.caseName, tc.f)
	}
}

var proxyTestCases = []testCase{
	{caseName: "testUnary", f: testUnary},
	{caseName: "testErrorCodePreserved", f: testErrorCodePreserved},
	{caseName: "testClientStream", f: testClientStream},
	{caseName: "testServerStream", f: testServerStream},
	{caseName: "testBidiStream", f: testBidiStream},
	{caseName: "testHeadersPassedThrough", f: testHeadersPassedThrough},
	{caseName: "testCustomTranslator", f: testCustomTranslator},
	{caseName: "testTranslatorRejects", f: testTranslatorRejects},
	{caseName: "testCancellationReachesBackend", f: testCancellationReachesBackend},
}

func testUnary(t *testing.T) {
	c := newChain(t)
	resp, err := c.client.Invoke(context.Background(), "/demo.Svc/Echo", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(resp))
}

func testErrorCodePreserved(t *testing.T) {
	c := newChain(t)
	_, err := c.client.Invoke(context.Background(), "/demo.Svc/Fail", json.RawMessage(`{}`))
	require.Error(t, err)
	require.Equal(t, codes.PermissionDenied, errors.CodeOf(err))
	require.Contains(t, err.Error(), "denied")
}

func testClientStream(t *testing.T) {
	c := newChain(t)
	stream, err := c.client.NewStream(context.Background(), "/demo.Svc/Sum", rpc.ClientStreaming)
	require.NoError(t, err)
	defer func() {
		_ = stream.Close()
	}()
	for i := 1; i <= 4; i++ {
		require.NoError(t, stream.Send(json.RawMessage(fmt.Sprintf("%d", i))))
	}
	require.NoError(t, stream.CloseSend())
	require.Equal(t, []string{"10"}, recvAll(t, stream))
}

func testServerStream(t *testing.T) {
	c := newChain(t)
	stream, err := c.client.NewStream(context.Background(), "/demo.Svc/Count", rpc.ServerStreaming)
	require.NoError(t, err)
	defer func() {
		_ = stream.Close()
	}()
	require.NoError(t, stream.Send(json.RawMessage(`3`)))
	require.NoError(t, stream.CloseSend())
	require.Equal(t, []string{"0", "1", "2"}, recvAll(t, stream))
}

func testBidiStream(t *testing.T) {
	c := newChain(t)
	stream, err := c.client.NewStream(context.Background(), "/demo.Svc/Chat", rpc.BidiStreaming)
	require.NoError(t, err)
	defer func() {
		_ = stream.Close()
	}()
	for _, word := range []string{`"a"`, `"b"`} {
		require.NoError(t, stream.Send(json.RawMessage(word)))
		v, err := stream.Recv()
		require.NoError(t, err)
		require.Equal(t, word, string(v))
	}
	require.NoError(t, stream.CloseSend())
	require.Empty(t, recvAll(t, stream))
}

func testHeadersPassedThrough(t *testing.T) {
	c := newChain(t)
	ctx := rpc.WithHeader(context.Background(), "x-test", "from-page")
	resp, err := c.client.Invoke(ctx, "/demo.Svc/Header", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"test":["from-page"],"added":null}`, string(resp))
}

func testCustomTranslator(t *testing.T) {
	c := newChain(t, WithContextTranslator(func(ctx context.Context) (context.Context, error) {
		return metadata.NewOutgoingContext(ctx, metadata.Pairs("x-added", "relay")), nil
	}))
	ctx := rpc.WithHeader(context.Background(), "x-test", "from-page")
	resp, err := c.client.Invoke(ctx, "/demo.Svc/Header", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"test":null,"added":["relay"]}`, string(resp))
}

func testTranslatorRejects(t *testing.T) {
	c := newChain(t, WithContextTranslator(func(ctx context.Context) (context.Context, error) {
		return nil, errors.NewError(codes.Unauthenticated, "no credentials")
	}))
	_, err := c.client.Invoke(context.Background(), "/demo.Svc/Echo", json.RawMessage(`{}`))
	require.Equal(t, codes.Unauthenticated, errors.CodeOf(err))

	stream, err := c.client.NewStream(context.Background(), "/demo.Svc/Chat", rpc.BidiStreaming)
	require.NoError(t, err)
	defer func() {
		_ = stream.Close()
	}()
	_, err = stream.Recv()
	require.Equal(t, codes.Unauthenticated, errors.CodeOf(err))
}

func testCancellationReachesBackend(t *testing.T) {
	c := newChain(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.client.Invoke(ctx, "/demo.Svc/Block", json.RawMessage(`{}`))
		errCh <- err
	}()
	select {
	case <-c.events.blocked:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "backend handler was not entered")
	}
	cancel()
	select {
	case err := <-errCh:
		require.Equal(t, codes.Canceled, errors.CodeOf(err))
	case <-time.After(5 * time.Second):
		require.FailNow(t, "call did not end")
	}
	select {
	case err := <-c.events.cancelled:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "backend handler was not cancelled")
	}
}

type fakeClient struct {
	lock    sync.Mutex
	methods []string
	kinds   []rpc.Kind
	header  metadata.MD
	err     error
}

func (f *fakeClient) Invoke(ctx context.Context, method string, req json.RawMessage) (json.RawMessage, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.methods = append(f.methods, method)
	f.kinds = append(f.kinds, rpc.Unary)
	f.header = rpc.OutgoingHeader(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return req, nil
}

func (f *fakeClient) NewStream(_ context.Context, method string, kind rpc.Kind) (rpc.Stream, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.methods = append(f.methods, method)
	f.kinds = append(f.kinds, kind)
	return nil, f.err
}

type oneValue struct {
	value json.RawMessage
	read  bool
}

func (o *oneValue) Recv() (json.RawMessage, error) {
	if o.read {
		return nil, io.EOF
	}
	o.read = true
	return o.value, nil
}

type collector struct {
	values []string
}

func (c *collector) Send(value json.RawMessage) error {
	c.values = append(c.values, string(value))
	return nil
}

func TestNewCoversEveryMethod(t *testing.T) {
	svc := New(demoDesc(), &fakeClient{})
	require.NoError(t, svc.Validate())
	for _, m := range demoDesc().Methods() {
		_, ok := svc.Handler(m.Name)
		require.True(t, ok, m.Name)
	}
}

func TestForwardsByFullMethodAndKind(t *testing.T) {
	fc := &fakeClient{}
	svc := New(demoDesc(), fc)
	out := &collector{}
	h, _ := svc.Handler("Echo")
	require.NoError(t, h(context.Background(), &oneValue{value: json.RawMessage(`1`)}, out))
	require.Equal(t, []string{"1"}, out.values)

	fc.err = errors.NewError(codes.Unavailable, "down")
	for _, name := range []string{"Sum", "Count", "Chat"} {
		h, _ := svc.Handler(name)
		err := h(context.Background(), &oneValue{value: json.RawMessage(`1`)}, out)
		require.Equal(t, codes.Unavailable, errors.CodeOf(err))
	}
	require.Equal(t, []string{"/demo.Svc/Echo", "/demo.Svc/Sum", "/demo.Svc/Count", "/demo.Svc/Chat"}, fc.methods)
	require.Equal(t, []rpc.Kind{rpc.Unary, rpc.ClientStreaming, rpc.ServerStreaming, rpc.BidiStreaming}, fc.kinds)
}

func TestPassthroughContext(t *testing.T) {
	fc := &fakeClient{}
	svc := New(demoDesc(), fc)
	h, _ := svc.Handler("Echo")
	ctx := rpc.NewHandlerContext(context.Background(), rpc.CallInfo{Method: "/demo.Svc/Echo"},
		metadata.Pairs("x-test", "1", "authorization", "secret"))
	require.NoError(t, h(ctx, &oneValue{value: json.RawMessage(`1`)}, &collector{}))
	require.Equal(t, []string{"1"}, fc.header.Get("x-test"))
	require.Equal(t, []string{"secret"}, fc.header.Get("authorization"))

	out, err := PassthroughContext(context.Background())
	require.NoError(t, err)
	require.Nil(t, rpc.OutgoingHeader(out))
}

func TestUnaryMissingRequest(t *testing.T) {
	fc := &fakeClient{}
	svc := New(demoDesc(), fc)
	h, _ := svc.Handler("Echo")
	err := h(context.Background(), &oneValue{read: true}, &collector{})
	require.Equal(t, codes.InvalidArgument, errors.CodeOf(err))
	require.Empty(t, fc.methods)
}
