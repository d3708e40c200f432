package connmgr

import (
	"sync"
	"time"

	"github.com/spirit-labs/chanrpc/bus"
	"github.com/spirit-labs/chanrpc/channame"
	"github.com/spirit-labs/chanrpc/errors"
	log "github.com/spirit-labs/chanrpc/logger"
	"github.com/spirit-labs/chanrpc/portstream"
	"google.golang.org/grpc/codes"
)

// offer is a stream channel name that has been sent to a peer, waiting for that peer to connect to it.
type offer struct {
	name    string
	peer    string
	claimed chan bus.Port
}

type offerTable struct {
	lock   sync.Mutex
	offers map[string]*offer
}

func newOfferTable() *offerTable {
	return &offerTable{offers: map[string]*offer{}}
}

func (t *offerTable) create(prefix string, peer string) *offer {
	o := &offer{
		name:    channame.MustEncode(prefix, channame.Stream),
		peer:    peer,
		claimed: make(chan bus.Port, 1),
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	t.offers[o.name] = o
	return o
}

// claim hands port to the offer with its name, if there is one and port comes from the peer it was offered to.
func (t *offerTable) claim(port bus.Port) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	o, ok := t.offers[port.Name()]
	if !ok {
		return false
	}
	if o.peer != port.Peer() {
		log.Warnf("channel %q offered to %s was opened by %s, ignoring", o.name, o.peer, port.Peer())
		return false
	}
	delete(t.offers, o.name)
	o.claimed <- port
	return true
}

// withdraw removes the offer. It returns false if the offer had already been claimed.
func (t *offerTable) withdraw(o *offer) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.offers[o.name]; !ok {
		return false
	}
	delete(t.offers, o.name)
	return true
}

func (t *offerTable) withdrawPeer(peer string) int {
	t.lock.Lock()
	defer t.lock.Unlock()
	n := 0
	for name, o := range t.offers {
		if o.peer == peer {
			delete(t.offers, name)
			n++
		}
	}
	return n
}

func (t *offerTable) len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.offers)
}

// wait blocks until the offer is claimed, sig fires or timeout elapses. On failure the offer is withdrawn, and a port
// that was claimed concurrently is disconnected.
func (t *offerTable) wait(o *offer, sig *portstream.Signal, timeout time.Duration) (bus.Port, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var err error
	select {
	case port := <-o.claimed:
		return port, nil
	case <-sig.Done():
		err = sig.Err()
	case <-timer.C:
		err = errors.NewErrorf(codes.DeadlineExceeded, "stream channel %q was not connected within %s", o.name,
			timeout)
	}
	if !t.withdraw(o) {
		// Claimed concurrently, or revoked by withdrawPeer. claim buffers the port before releasing the table lock.
		select {
		case port := <-o.claimed:
			port.Disconnect()
		default:
		}
	}
	return nil, err
}
