package connmgr

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spirit-labs/chanrpc/bus"
	"github.com/spirit-labs/chanrpc/bus/bustest"
	"github.com/spirit-labs/chanrpc/channame"
	"github.com/spirit-labs/chanrpc/errors"
	"github.com/spirit-labs/chanrpc/portstream"
	"github.com/spirit-labs/chanrpc/testutils"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

// rawHost starts a host on a local bus and returns an endpoint to speak the session protocol to it by hand.
func rawHost(t *testing.T, cfg Conf) (*Host, *bus.LocalBus, *testHandlers) {
	router, th := newTestRouter(t)
	lb := bus.NewLocalBus(0)
	host, err := NewHost(testPrefix, router, cfg)
	require.NoError(t, err)
	host.Serve(lb.Endpoint("host"))
	t.Cleanup(func() {
		host.Close()
		lb.Close()
	})
	return host, lb, th
}

func openSession(t *testing.T, ep bus.Bus) bus.Port {
	port, err := ep.Connect(context.Background(), channame.MustEncode(testPrefix, channame.Transport))
	require.NoError(t, err)
	return port
}

func sendEnvelope(t *testing.T, port bus.Port, env envelope) {
	require.NoError(t, port.Send(env.encode()))
}

func receiveEnvelope(t *testing.T, port bus.Port) envelope {
	env, err := decodeEnvelope(bustest.ReceiveMessage(t, port))
	require.NoError(t, err)
	return env
}

func TestHostIgnoresForeignChannels(t *testing.T) {
	_, lb, _ := rawHost(t, NewConf())
	ep := lb.Endpoint("page")
	for _, name := range []string{
		"unrelated",
		channame.MustEncode("other", channame.Transport),
		testPrefix + " TRANSPORT not-a-uuid",
		// nobody offered this stream
		channame.MustEncode(testPrefix, channame.Stream),
	} {
		_, err := ep.Connect(context.Background(), name)
		require.Equal(t, codes.Unavailable, errors.CodeOf(err), name)
	}
}

func TestHostRejectsReusedSessionID(t *testing.T) {
	host, lb, _ := rawHost(t, NewConf())
	ep := lb.Endpoint("page")
	name := channame.MustEncode(testPrefix, channame.Transport)
	port, err := ep.Connect(context.Background(), name)
	require.NoError(t, err)
	_, err = ep.Connect(context.Background(), name)
	require.Equal(t, codes.Unavailable, errors.CodeOf(err))

	port.Disconnect()
	testutils.WaitUntil(t, func() (bool, error) {
		return host.SessionCount() == 0, nil
	})
	_, err = ep.Connect(context.Background(), name)
	require.Equal(t, codes.Unavailable, errors.CodeOf(err))
}

func TestHostSessionProtocolErrors(t *testing.T) {
	type testCase struct {
		caseName string
		msg      string
	}
	cases := []testCase{
		{"not json", `hello`},
		{"not an object", `[1,2]`},
		{"wrong field type", `{"requestId":7,"method":"/test.Svc/Echo","message":1}`},
		{"no request id", `{"method":"/test.Svc/Echo","message":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.caseName, func(t *testing.T) {
			host, lb, _ := rawHost(t, NewConf())
			port := openSession(t, lb.Endpoint("page"))
			require.NoError(t, port.Send([]byte(tc.msg)))
			env := receiveEnvelope(t, port)
			require.Empty(t, env.RequestID)
			require.Equal(t, codes.InvalidArgument, errors.Decode(env.Error).Code)
			bustest.WaitClosed(t, port)
			testutils.WaitUntil(t, func() (bool, error) {
				return host.SessionCount() == 0, nil
			})
		})
	}
}

func TestHostRequestErrors(t *testing.T) {
	type testCase struct {
		caseName string
		env      envelope
		code     codes.Code
	}
	cases := []testCase{
		{"unknown method", envelope{RequestID: "1", Method: "/test.Svc/Nope", Message: json.RawMessage(`1`)},
			codes.Unimplemented},
		{"missing message", envelope{RequestID: "2", Method: "/test.Svc/Echo"}, codes.InvalidArgument},
		{"channel for unary", envelope{RequestID: "3", Method: "/test.Svc/Echo",
			Channel: channame.MustEncode(testPrefix, channame.Stream)}, codes.InvalidArgument},
		{"message for client stream", envelope{RequestID: "4", Method: "/test.Svc/Count",
			Message: json.RawMessage(`1`)}, codes.InvalidArgument},
		{"foreign request channel", envelope{RequestID: "5", Method: "/test.Svc/Count",
			Channel: channame.MustEncode("other", channame.Stream)}, codes.InvalidArgument},
		{"request channel not offered", envelope{RequestID: "6", Method: "/test.Svc/Count",
			Channel: channame.MustEncode(testPrefix, channame.Stream)}, codes.Unavailable},
		{"neither request nor abort", envelope{RequestID: "7", Message: json.RawMessage(`1`)},
			codes.InvalidArgument},
	}
	host, lb, _ := rawHost(t, NewConf())
	port := openSession(t, lb.Endpoint("page"))
	for _, tc := range cases {
		t.Run(tc.caseName, func(t *testing.T) {
			sendEnvelope(t, port, tc.env)
			env := receiveEnvelope(t, port)
			require.Equal(t, tc.env.RequestID, env.RequestID)
			require.Equal(t, tc.code, errors.Decode(env.Error).Code)
		})
	}
	// request errors do not end the session
	require.Equal(t, bus.Open, port.State())
	require.Equal(t, 1, host.SessionCount())
}

func TestHostRequestCollision(t *testing.T) {
	host, lb, th := rawHost(t, NewConf())
	port := openSession(t, lb.Endpoint("page"))
	req := envelope{RequestID: "r1", Method: "/test.Svc/Block", Message: json.RawMessage(`{}`)}
	sendEnvelope(t, port, req)
	receiveSignal(t, th.blocked)
	sendEnvelope(t, port, req)
	env := receiveEnvelope(t, port)
	require.Equal(t, "r1", env.RequestID)
	cerr := errors.Decode(env.Error)
	require.Equal(t, codes.Internal, cerr.Code)
	require.Contains(t, cerr.Msg, "request collision")
	require.Equal(t, 1, host.ActiveCalls())

	// aborting the first request cancels its handler
	sendEnvelope(t, port, envelope{RequestID: "r1", Abort: true})
	require.Equal(t, context.Canceled, receiveErr(t, th.cancelled))
	env = receiveEnvelope(t, port)
	require.Equal(t, "r1", env.RequestID)
	require.Equal(t, codes.Canceled, errors.Decode(env.Error).Code)
	waitNoCalls(t, host)
}

func TestHostResponseStreamOnlyForItsSender(t *testing.T) {
	host, lb, _ := rawHost(t, NewConf())
	port := openSession(t, lb.Endpoint("page"))
	sendEnvelope(t, port, envelope{RequestID: "r1", Method: "/test.Svc/Repeat", Message: json.RawMessage(`2`)})
	env := receiveEnvelope(t, port)
	require.Equal(t, "r1", env.RequestID)
	name, ok := channame.DecodeLabel(testPrefix, channame.Stream, env.Channel)
	require.True(t, ok)

	// another context that learned the name cannot take the stream
	_, err := lb.Endpoint("intruder").Connect(context.Background(), name.String())
	require.Equal(t, codes.Unavailable, errors.CodeOf(err))

	sp, err := lb.Endpoint("page").Connect(context.Background(), name.String())
	require.NoError(t, err)
	values, err := portstream.NewSource(sp, nil).ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, values, 2)
	waitNoCalls(t, host)
}

func TestHostRequestStreamFromOtherSenderRefused(t *testing.T) {
	_, lb, _ := rawHost(t, NewConf())
	port := openSession(t, lb.Endpoint("page"))
	// the request channel is held by a different context than the session
	stream := channame.MustEncode(testPrefix, channame.Stream)
	unsub := lb.Endpoint("intruder").Subscribe(func(p bus.Port) bool {
		return p.Name() == stream
	})
	defer unsub()
	sendEnvelope(t, port, envelope{RequestID: "r1", Method: "/test.Svc/Count", Channel: stream})
	env := receiveEnvelope(t, port)
	require.Equal(t, codes.PermissionDenied, errors.Decode(env.Error).Code)
}

func TestHostKillSenderRevokesStreams(t *testing.T) {
	host, lb, th := rawHost(t, NewConf())
	port := openSession(t, lb.Endpoint("page"))
	sendEnvelope(t, port, envelope{RequestID: "r1", Method: "/test.Svc/Forever", Message: json.RawMessage(`{}`)})
	receiveSignal(t, th.blocked)
	env := receiveEnvelope(t, port)
	sp, err := lb.Endpoint("page").Connect(context.Background(), env.Channel)
	require.NoError(t, err)
	bustest.ReceiveMessage(t, sp)
	require.Equal(t, 1, host.StreamCount())

	require.Equal(t, 2, host.KillSender("page"))
	bustest.WaitClosed(t, port)
	bustest.WaitClosed(t, sp)
	receiveErr(t, th.cancelled)
	waitNoCalls(t, host)
}

func TestHostKillSenderWithdrawsUnconnectedOffer(t *testing.T) {
	cfg := NewConf()
	cfg.SubChannelTimeout = time.Minute
	host, lb, th := rawHost(t, cfg)
	port := openSession(t, lb.Endpoint("page"))
	sendEnvelope(t, port, envelope{RequestID: "r1", Method: "/test.Svc/Forever", Message: json.RawMessage(`{}`)})
	receiveSignal(t, th.blocked)
	env := receiveEnvelope(t, port)
	require.NotEmpty(t, env.Channel)

	require.Equal(t, 1, host.KillSender("page"))
	bustest.WaitClosed(t, port)
	receiveErr(t, th.cancelled)
	waitNoCalls(t, host)

	closed := make(chan struct{})
	go func() {
		host.Close()
		close(closed)
	}()
	receiveSignal(t, closed)
}

func TestHostRetiresSessionIDsOnClose(t *testing.T) {
	host, lb, _ := rawHost(t, NewConf())
	ep := lb.Endpoint("page")
	for i := 0; i < 50; i++ {
		name := channame.MustEncode(testPrefix, channame.Transport)
		port, err := ep.Connect(context.Background(), name)
		require.NoError(t, err)
		port.Disconnect()
		testutils.WaitUntil(t, func() (bool, error) {
			return host.SessionCount() == 0, nil
		})
		_, err = ep.Connect(context.Background(), name)
		require.Equal(t, codes.Unavailable, errors.CodeOf(err))
	}
}

func TestHostSessionEndCancelsCalls(t *testing.T) {
	host, lb, th := rawHost(t, NewConf())
	port := openSession(t, lb.Endpoint("page"))
	sendEnvelope(t, port, envelope{RequestID: "r1", Method: "/test.Svc/Block", Message: json.RawMessage(`{}`)})
	receiveSignal(t, th.blocked)
	port.Disconnect()
	require.Equal(t, context.Canceled, receiveErr(t, th.cancelled))
	waitNoCalls(t, host)
	testutils.WaitUntil(t, func() (bool, error) {
		return host.SessionCount() == 0, nil
	})
}

func TestHostCloseStopsAccepting(t *testing.T) {
	host, lb, _ := rawHost(t, NewConf())
	port := openSession(t, lb.Endpoint("page"))
	host.Close()
	bustest.WaitClosed(t, port)
	_, err := lb.Endpoint("page").Connect(context.Background(), channame.MustEncode(testPrefix, channame.Transport))
	require.Equal(t, codes.Unavailable, errors.CodeOf(err))
	host.Close()
}

func TestNewHostValidates(t *testing.T) {
	_, err := NewHost("has space", nil, NewConf())
	require.Error(t, err)
	var mpe channame.MalformedPrefixError
	require.True(t, errors.As(err, &mpe))

	cfg := NewConf()
	cfg.MaxConcurrentCalls = 0
	_, err = NewHost(testPrefix, nil, cfg)
	require.Equal(t, codes.InvalidArgument, errors.CodeOf(err))
}

func TestValidatorTimeoutUsesSubChannelTimeout(t *testing.T) {
	cfg := NewConf()
	cfg.SubChannelTimeout = 20 * time.Millisecond
	cfg.SessionValidator = func(ctx context.Context, _ SessionInfo) error {
		<-ctx.Done()
		return ctx.Err()
	}
	_, lb, _ := rawHost(t, cfg)
	port := openSession(t, lb.Endpoint("page"))
	env := receiveEnvelope(t, port)
	require.Empty(t, env.RequestID)
	require.Equal(t, codes.Unauthenticated, errors.Decode(env.Error).Code)
}
