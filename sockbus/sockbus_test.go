package sockbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/spirit-labs/chanrpc/bus"
	"github.com/spirit-labs/chanrpc/bus/bustest"
	"github.com/spirit-labs/chanrpc/conf"
	"github.com/spirit-labs/chanrpc/errors"
	"github.com/spirit-labs/chanrpc/testutils"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func startServer(t *testing.T, opts Options) (*Server, chan *Endpoint) {
	t.Helper()
	accepted := make(chan *Endpoint, 10)
	server := NewServer("127.0.0.1:0", conf.TLSConfig{}, opts, func(ep *Endpoint) {
		accepted <- ep
	})
	require.NoError(t, server.Start())
	return server, accepted
}

func receiveEndpoint(t *testing.T, accepted chan *Endpoint) *Endpoint {
	t.Helper()
	select {
	case ep := <-accepted:
		return ep
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no connection accepted")
		return nil
	}
}

func socketFactory(t *testing.T) (bus.Bus, bus.Bus, func()) {
	server, accepted := startServer(t, Options{})
	client, err := Dial(context.Background(), server.Address(), nil, Options{})
	require.NoError(t, err)
	serverSide := receiveEndpoint(t, accepted)
	return client, serverSide, func() {
		require.NoError(t, client.Close())
		require.NoError(t, server.Stop())
	}
}

func TestSocketBus(t *testing.T) {
	bustest.RunTestCases(t, socketFactory)
}

func TestSocketBusServerSideOpens(t *testing.T) {
	// channels can be opened in both directions over the same connection
	client, serverSide, tearDown := socketFactory(t)
	defer tearDown()
	accepted, unsub := bustest.AcceptInto(client)
	defer unsub()
	ps, err := serverSide.Connect(context.Background(), "from-server")
	require.NoError(t, err)
	pc := bustest.ReceivePort(t, accepted)
	require.Equal(t, "from-server", pc.Name())
	require.NoError(t, ps.Send([]byte("hello")))
	require.Equal(t, "hello", string(bustest.ReceiveMessage(t, pc)))
}

func TestSocketBusConnectionLossDisconnectsPorts(t *testing.T) {
	server, accepted := startServer(t, Options{})
	defer func() {
		require.NoError(t, server.Stop())
	}()
	client, err := Dial(context.Background(), server.Address(), nil, Options{})
	require.NoError(t, err)
	serverSide := receiveEndpoint(t, accepted)
	ports, unsub := bustest.AcceptInto(serverSide)
	defer unsub()

	var clientPorts []bus.Port
	for i := 0; i < 3; i++ {
		p, err := client.Connect(context.Background(), fmt.Sprintf("c-%d", i))
		require.NoError(t, err)
		clientPorts = append(clientPorts, p)
	}
	var serverPorts []bus.Port
	for i := 0; i < 3; i++ {
		serverPorts = append(serverPorts, bustest.ReceivePort(t, ports))
	}
	require.Equal(t, 3, client.PortCount())

	require.NoError(t, client.Close())
	for _, p := range append(clientPorts, serverPorts...) {
		bustest.WaitClosed(t, p)
	}
	testutils.WaitUntil(t, func() (bool, error) {
		return server.EndpointCount() == 0, nil
	})
	_, err = client.Connect(context.Background(), "after-close")
	require.True(t, errors.IsUnavailableError(err))
}

func TestSocketBusConnectContextCancelled(t *testing.T) {
	client, serverSide, tearDown := socketFactory(t)
	defer tearDown()
	block := make(chan struct{})
	defer close(block)
	// an acceptor that never returns keeps the open pending
	unsub := serverSide.Subscribe(func(port bus.Port) bool {
		<-block
		return false
	})
	defer unsub()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.Connect(ctx, "slow")
	require.Error(t, err)
	require.Equal(t, codes.DeadlineExceeded, errors.CodeOf(err))
}

func TestSocketBusReceiverOverflowDisconnects(t *testing.T) {
	server, accepted := startServer(t, Options{MaxQueuedMessages: 2})
	defer func() {
		require.NoError(t, server.Stop())
	}()
	client, err := Dial(context.Background(), server.Address(), nil, Options{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, client.Close())
	}()
	serverSide := receiveEndpoint(t, accepted)
	ports, unsub := bustest.AcceptInto(serverSide)
	defer unsub()
	pc, err := client.Connect(context.Background(), "flood")
	require.NoError(t, err)
	bustest.ReceivePort(t, ports)
	for i := 0; i < 3; i++ {
		// sends may start failing once the disconnect arrives
		_ = pc.Send([]byte{byte(i)})
	}
	bustest.WaitClosed(t, pc)
}

func TestSocketBusFrameTooLarge(t *testing.T) {
	server, accepted := startServer(t, Options{})
	defer func() {
		require.NoError(t, server.Stop())
	}()
	client, err := Dial(context.Background(), server.Address(), nil, Options{MaxFrameSize: 1024})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, client.Close())
	}()
	serverSide := receiveEndpoint(t, accepted)
	ports, unsub := bustest.AcceptInto(serverSide)
	defer unsub()
	pc, err := client.Connect(context.Background(), "big")
	require.NoError(t, err)
	bustest.ReceivePort(t, ports)
	err = pc.Send(make([]byte, 2048))
	require.True(t, errors.IsChanErrorWithCode(err, codes.ResourceExhausted))
	require.NoError(t, pc.Send([]byte("small")))
}

func TestFrameEncoding(t *testing.T) {
	buff := encodeFrame(frameMessage, 42, []byte("payload"))
	kind, id, payload, err := decodeFrame(buff[4:])
	require.NoError(t, err)
	require.Equal(t, frameMessage, kind)
	require.Equal(t, uint64(42), id)
	require.Equal(t, "payload", string(payload))

	_, _, _, err = decodeFrame([]byte{1, 2})
	require.Error(t, err)
	_, _, _, err = decodeFrame(make([]byte, frameHeaderSize))
	require.Error(t, err)
}
