package portstream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/spirit-labs/chanrpc/bus"
	"github.com/spirit-labs/chanrpc/common"
	"github.com/spirit-labs/chanrpc/errors"
	log "github.com/spirit-labs/chanrpc/logger"
	"google.golang.org/grpc/codes"
)

type SinkState int

const (
	SinkActive SinkState = iota
	SinkClosed
	SinkAborted
	SinkCancelled
)

func (s SinkState) String() string {
	switch s {
	case SinkActive:
		return "active"
	case SinkClosed:
		return "closed"
	case SinkAborted:
		return "aborted"
	case SinkCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Sink writes a stream onto a channel it exclusively owns.
//
// Disconnect means two different things on a channel: the counterpart acknowledging a graceful end, or the
// counterpart going away. The sink tells them apart by whether it had already started terminating. A disconnect
// before Close or Abort cancels the sink; after, it is just the other half of the teardown.
type Sink struct {
	port         bus.Port
	sig          *Signal
	lock         sync.Mutex
	state        SinkState
	terminating  bool
	disconnected chan struct{}
}

// NewSink takes ownership of port. If sig is nil the sink creates its own signal.
func NewSink(port bus.Port, sig *Signal) *Sink {
	if sig == nil {
		sig = NewSignal()
	}
	s := &Sink{
		port:         port,
		sig:          sig,
		disconnected: make(chan struct{}),
	}
	common.Go(s.monitor)
	return s
}

func (s *Sink) monitor() {
	sigDone := s.sig.Done()
	for {
		select {
		case _, ok := <-s.port.Incoming():
			if !ok {
				s.portDisconnected()
				return
			}
			if log.DebugEnabled {
				log.Debugf("sink on channel %q ignoring message from consumer", s.port.Name())
			}
		case <-sigDone:
			sigDone = nil
			s.lock.Lock()
			if s.state == SinkActive && !s.terminating {
				s.state = SinkCancelled
			}
			s.lock.Unlock()
			s.port.Disconnect()
		}
	}
}

func (s *Sink) portDisconnected() {
	s.lock.Lock()
	cancelled := false
	if s.state == SinkActive && !s.terminating {
		s.state = SinkCancelled
		cancelled = true
	}
	s.lock.Unlock()
	if cancelled {
		s.sig.Fire(errors.NewErrorf(codes.Canceled, "stream on channel %q cancelled: consumer disconnected",
			s.port.Name()))
	}
	close(s.disconnected)
}

func (s *Sink) Signal() *Signal {
	return s.sig
}

func (s *Sink) State() SinkState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Disconnected is closed once the underlying channel is disconnected.
func (s *Sink) Disconnected() <-chan struct{} {
	return s.disconnected
}

func (s *Sink) checkActive() error {
	if err := s.sig.Err(); err != nil {
		return err
	}
	if s.state != SinkActive {
		return errors.NewErrorf(codes.FailedPrecondition, "stream sink is %s", s.state)
	}
	return nil
}

// Write sends one value. The channel has no flow control, so if the consumer's queue is full the error is returned
// here rather than the write blocking.
func (s *Sink) Write(value json.RawMessage) error {
	s.lock.Lock()
	err := s.checkActive()
	s.lock.Unlock()
	if err != nil {
		return err
	}
	msg, err := EncodeValue(value)
	if err != nil {
		return err
	}
	if err := s.port.Send(msg); err != nil {
		if errors.IsDisconnected(err) {
			if sigErr := s.sig.Err(); sigErr != nil {
				return sigErr
			}
			return errors.NewErrorf(codes.Canceled, "stream on channel %q cancelled: consumer disconnected",
				s.port.Name())
		}
		return err
	}
	return nil
}

// Close ends the stream successfully and waits for the channel to be torn down.
func (s *Sink) Close(ctx context.Context) error {
	return s.finish(ctx, EncodeEnd(), SinkClosed)
}

// Abort ends the stream with reason, which the consumer receives as its read error.
func (s *Sink) Abort(ctx context.Context, reason error) error {
	return s.finish(ctx, EncodeAbort(reason), SinkAborted)
}

func (s *Sink) finish(ctx context.Context, msg []byte, target SinkState) error {
	s.lock.Lock()
	if err := s.checkActive(); err != nil {
		s.lock.Unlock()
		return err
	}
	s.state = target
	s.terminating = true
	s.lock.Unlock()

	// race the terminal message against the consumer going away first
	sent := make(chan error, 1)
	common.Go(func() {
		sent <- s.port.Send(msg)
	})
	var sendErr error
	sendSettled := false
	select {
	case sendErr = <-sent:
		sendSettled = true
	case <-s.disconnected:
	}
	s.port.Disconnect()
	if !sendSettled {
		select {
		case sendErr = <-sent:
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}
	select {
	case <-s.disconnected:
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
	if sendErr != nil && !errors.IsDisconnected(sendErr) {
		return sendErr
	}
	return nil
}
