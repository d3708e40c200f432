package bus_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/spirit-labs/chanrpc/bus"
	"github.com/spirit-labs/chanrpc/bus/bustest"
	"github.com/spirit-labs/chanrpc/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func localFactory(t *testing.T) (bus.Bus, bus.Bus, func()) {
	lb := bus.NewLocalBus(0)
	return lb.Endpoint("a"), lb.Endpoint("b"), lb.Close
}

func TestLocalBus(t *testing.T) {
	bustest.RunTestCases(t, localFactory)
}

func TestLocalOwnAcceptorsAreSkipped(t *testing.T) {
	lb := bus.NewLocalBus(0)
	defer lb.Close()
	a := lb.Endpoint("a")
	_, unsub := bustest.AcceptInto(a)
	defer unsub()
	_, err := a.Connect(context.Background(), "self")
	require.True(t, errors.IsUnavailableError(err))
}

func TestLocalPeerIdentity(t *testing.T) {
	lb := bus.NewLocalBus(0)
	defer lb.Close()
	a, b := lb.Endpoint("page"), lb.Endpoint("worker")
	accepted, unsub := bustest.AcceptInto(b)
	defer unsub()
	pa, err := a.Connect(context.Background(), "who")
	require.NoError(t, err)
	pb := bustest.ReceivePort(t, accepted)
	require.Equal(t, "worker", pa.Peer())
	require.Equal(t, "page", pb.Peer())
	require.Same(t, b, lb.Endpoint("worker"))
}

func TestLocalPeerSetOnlyByClaimer(t *testing.T) {
	lb := bus.NewLocalBus(0)
	defer lb.Close()
	page := lb.Endpoint("page")
	declined := make(chan string, 100)
	unsubScanner := lb.Endpoint("scanner").Subscribe(func(port bus.Port) bool {
		declined <- port.Peer()
		return false
	})
	defer unsubScanner()
	accepted, unsub := bustest.AcceptInto(lb.Endpoint("worker"))
	for i := 0; i < 10; i++ {
		pa, err := page.Connect(context.Background(), fmt.Sprintf("ch-%d", i))
		require.NoError(t, err)
		require.Equal(t, "worker", pa.Peer())
		require.Equal(t, "page", bustest.ReceivePort(t, accepted).Peer())
	}
	unsub()
	for len(declined) > 0 {
		require.Equal(t, "page", <-declined)
	}

	_, err := page.Connect(context.Background(), "nobody-claims")
	require.Equal(t, codes.Unavailable, errors.CodeOf(err))
	require.Equal(t, "page", <-declined)
	require.Equal(t, 10, page.PortCount())
}

func TestLocalQueueOverflow(t *testing.T) {
	lb := bus.NewLocalBus(3)
	defer lb.Close()
	a, b := lb.Endpoint("a"), lb.Endpoint("b")
	accepted, unsub := bustest.AcceptInto(b)
	defer unsub()
	pa, err := a.Connect(context.Background(), "small")
	require.NoError(t, err)
	pb := bustest.ReceivePort(t, accepted)
	for i := 0; i < 3; i++ {
		require.NoError(t, pa.Send([]byte(fmt.Sprintf("%d", i))))
	}
	err = pa.Send([]byte("overflow"))
	require.Error(t, err)
	require.True(t, errors.IsChanErrorWithCode(err, codes.ResourceExhausted))
	require.Equal(t, bus.Open, pa.State())

	// reading makes room again
	require.Equal(t, "0", string(bustest.ReceiveMessage(t, pb)))
	require.NoError(t, pa.Send([]byte("3")))
}

func TestLocalEndpointCloseDisconnectsPorts(t *testing.T) {
	lb := bus.NewLocalBus(0)
	defer lb.Close()
	a, b := lb.Endpoint("a"), lb.Endpoint("b")
	accepted, unsub := bustest.AcceptInto(b)
	defer unsub()
	var ports []bus.Port
	for i := 0; i < 5; i++ {
		p, err := a.Connect(context.Background(), fmt.Sprintf("c-%d", i))
		require.NoError(t, err)
		ports = append(ports, p)
		bustest.ReceivePort(t, accepted)
	}
	require.Equal(t, 5, a.PortCount())
	require.Equal(t, 5, b.PortCount())
	a.Close()
	for _, p := range ports {
		bustest.WaitClosed(t, p)
	}
	require.Equal(t, 0, a.PortCount())
	require.Equal(t, 0, b.PortCount())
	_, err := a.Connect(context.Background(), "closed")
	require.True(t, errors.IsUnavailableError(err))
}

func TestLocalBusClose(t *testing.T) {
	lb := bus.NewLocalBus(0)
	a, b := lb.Endpoint("a"), lb.Endpoint("b")
	_, unsub := bustest.AcceptInto(b)
	defer unsub()
	lb.Close()
	_, err := a.Connect(context.Background(), "x")
	require.True(t, errors.IsUnavailableError(err))
}
