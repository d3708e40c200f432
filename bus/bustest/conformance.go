// Package bustest contains behaviour tests shared by every bus implementation.
package bustest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spirit-labs/chanrpc/bus"
	"github.com/spirit-labs/chanrpc/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

// Factory returns two connected endpoints that represent different execution contexts.
type Factory func(t *testing.T) (a bus.Bus, b bus.Bus, tearDown func())

type testFunc func(t *testing.T, factory Factory)

type testCase struct {
	caseName string
	f        testFunc
}

var testCases = []testCase{
	{caseName: "testExchangeBothWays", f: testExchangeBothWays},
	{caseName: "testNoReceiver", f: testNoReceiver},
	{caseName: "testAcceptorDeclines", f: testAcceptorDeclines},
	{caseName: "testFirstAcceptorWins", f: testFirstAcceptorWins},
	{caseName: "testUnsubscribe", f: testUnsubscribe},
	{caseName: "testRemoteDisconnectDeliversQueued", f: testRemoteDisconnectDeliversQueued},
	{caseName: "testSendAfterDisconnect", f: testSendAfterDisconnect},
	{caseName: "testDisconnectIsIdempotent", f: testDisconnectIsIdempotent},
	{caseName: "testManyChannels", f: testManyChannels},
}

func RunTestCases(t *testing.T, factory Factory) {
	for _, tc := range testCases {
		t.Run(tc.caseName, func(t *testing.T) {
			tc.f(t, factory)
		})
	}
}

// AcceptInto subscribes an acceptor on b that claims every port and forwards it on the returned channel.
func AcceptInto(b bus.Bus) (chan bus.Port, func()) {
	ch := make(chan bus.Port, 100)
	unsub := b.Subscribe(func(port bus.Port) bool {
		ch <- port
		return true
	})
	return ch, unsub
}

func ReceivePort(t *testing.T, ch chan bus.Port) bus.Port {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for port")
		return nil
	}
}

func ReceiveMessage(t *testing.T, port bus.Port) []byte {
	t.Helper()
	select {
	case msg, ok := <-port.Incoming():
		require.True(t, ok, "incoming closed")
		return msg
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for message")
		return nil
	}
}

func WaitClosed(t *testing.T, port bus.Port) {
	t.Helper()
	for {
		select {
		case _, ok := <-port.Incoming():
			if !ok {
				require.Equal(t, bus.Disconnected, port.State())
				return
			}
		case <-time.After(5 * time.Second):
			require.FailNow(t, "timed out waiting for incoming to close")
		}
	}
}

func testExchangeBothWays(t *testing.T, factory Factory) {
	a, b, tearDown := factory(t)
	defer tearDown()
	accepted, unsub := AcceptInto(b)
	defer unsub()

	pa, err := a.Connect(context.Background(), "chan-1")
	require.NoError(t, err)
	pb := ReceivePort(t, accepted)
	require.Equal(t, "chan-1", pb.Name())
	require.Equal(t, bus.Open, pa.State())
	require.Equal(t, bus.Open, pb.State())

	for i := 0; i < 10; i++ {
		require.NoError(t, pa.Send([]byte(fmt.Sprintf("a-%d", i))))
		require.NoError(t, pb.Send([]byte(fmt.Sprintf("b-%d", i))))
	}
	for i := 0; i < 10; i++ {
		require.Equal(t, fmt.Sprintf("a-%d", i), string(ReceiveMessage(t, pb)))
		require.Equal(t, fmt.Sprintf("b-%d", i), string(ReceiveMessage(t, pa)))
	}
	pa.Disconnect()
	WaitClosed(t, pb)
	WaitClosed(t, pa)
}

func testNoReceiver(t *testing.T, factory Factory) {
	a, _, tearDown := factory(t)
	defer tearDown()
	_, err := a.Connect(context.Background(), "nobody")
	require.Error(t, err)
	require.True(t, errors.IsUnavailableError(err), err.Error())
}

func testAcceptorDeclines(t *testing.T, factory Factory) {
	a, b, tearDown := factory(t)
	defer tearDown()
	unsub := b.Subscribe(func(port bus.Port) bool {
		return false
	})
	defer unsub()
	_, err := a.Connect(context.Background(), "declined")
	require.Error(t, err)
	require.True(t, errors.IsUnavailableError(err))
}

func testFirstAcceptorWins(t *testing.T, factory Factory) {
	a, b, tearDown := factory(t)
	defer tearDown()
	var lock sync.Mutex
	claims := map[string]int{}
	for _, want := range []string{"x", "y"} {
		want := want
		unsub := b.Subscribe(func(port bus.Port) bool {
			if port.Name() != want {
				return false
			}
			lock.Lock()
			defer lock.Unlock()
			claims[want]++
			return true
		})
		defer unsub()
	}
	for _, name := range []string{"x", "y", "x"} {
		_, err := a.Connect(context.Background(), name)
		require.NoError(t, err)
	}
	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, map[string]int{"x": 2, "y": 1}, claims)
}

func testUnsubscribe(t *testing.T, factory Factory) {
	a, b, tearDown := factory(t)
	defer tearDown()
	_, unsub := AcceptInto(b)
	_, err := a.Connect(context.Background(), "before")
	require.NoError(t, err)
	unsub()
	_, err = a.Connect(context.Background(), "after")
	require.Error(t, err)
}

func testRemoteDisconnectDeliversQueued(t *testing.T, factory Factory) {
	a, b, tearDown := factory(t)
	defer tearDown()
	accepted, unsub := AcceptInto(b)
	defer unsub()

	pa, err := a.Connect(context.Background(), "queued")
	require.NoError(t, err)
	pb := ReceivePort(t, accepted)
	for i := 0; i < 3; i++ {
		require.NoError(t, pa.Send([]byte{byte(i)}))
	}
	pa.Disconnect()
	for i := 0; i < 3; i++ {
		require.Equal(t, []byte{byte(i)}, ReceiveMessage(t, pb))
	}
	WaitClosed(t, pb)
	select {
	case <-pb.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "done not closed")
	}
}

func testSendAfterDisconnect(t *testing.T, factory Factory) {
	a, b, tearDown := factory(t)
	defer tearDown()
	accepted, unsub := AcceptInto(b)
	defer unsub()

	pa, err := a.Connect(context.Background(), "gone")
	require.NoError(t, err)
	pb := ReceivePort(t, accepted)
	pb.Disconnect()
	WaitClosed(t, pa)
	err = pa.Send([]byte("late"))
	require.Error(t, err)
	require.True(t, errors.IsDisconnected(err))
	err = pb.Send([]byte("late"))
	require.True(t, errors.IsDisconnected(err))
	require.Equal(t, codes.Unavailable, errors.CodeOf(err))
}

func testDisconnectIsIdempotent(t *testing.T, factory Factory) {
	a, b, tearDown := factory(t)
	defer tearDown()
	accepted, unsub := AcceptInto(b)
	defer unsub()

	pa, err := a.Connect(context.Background(), "twice")
	require.NoError(t, err)
	pb := ReceivePort(t, accepted)
	pa.Disconnect()
	pa.Disconnect()
	pb.Disconnect()
	WaitClosed(t, pb)
	require.Equal(t, bus.Disconnected, pa.State())
}

func testManyChannels(t *testing.T, factory Factory) {
	a, b, tearDown := factory(t)
	defer tearDown()
	accepted, unsub := AcceptInto(b)
	defer unsub()

	numChannels := 20
	numMessages := 50
	var wg sync.WaitGroup
	for i := 0; i < numChannels; i++ {
		pa, err := a.Connect(context.Background(), fmt.Sprintf("many-%d", i))
		require.NoError(t, err)
		pb := ReceivePort(t, accepted)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numMessages; j++ {
				if err := pa.Send([]byte(fmt.Sprintf("%s-%d", pa.Name(), j))); err != nil {
					panic(err)
				}
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numMessages; j++ {
				msg := <-pb.Incoming()
				if string(msg) != fmt.Sprintf("%s-%d", pb.Name(), j) {
					panic(fmt.Sprintf("unexpected message %s", string(msg)))
				}
			}
		}()
	}
	wg.Wait()
}
