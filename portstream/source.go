package portstream

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/spirit-labs/chanrpc/bus"
	"github.com/spirit-labs/chanrpc/common"
	"github.com/spirit-labs/chanrpc/errors"
	log "github.com/spirit-labs/chanrpc/logger"
	"github.com/spirit-labs/chanrpc/metrics"
	"google.golang.org/grpc/codes"
)

type SourceState int

const (
	SourceActive SourceState = iota
	SourceCompleted
	SourceAborted
	SourceDisconnected
	SourceCancelled
)

func (s SourceState) String() string {
	switch s {
	case SourceActive:
		return "active"
	case SourceCompleted:
		return "completed"
	case SourceAborted:
		return "aborted"
	case SourceDisconnected:
		return "disconnected"
	case SourceCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type SourceOption func(*Source)

// WithIdleTimeout fires the source's signal with DeadlineExceeded when no item arrives for d while a read is
// waiting.
func WithIdleTimeout(d time.Duration) SourceOption {
	return func(s *Source) {
		s.idleTimeout = d
	}
}

// Source reads a stream from a channel it exclusively owns. Nothing is taken off the channel until Read is called,
// so a slow reader leaves items queued on the channel rather than in the source.
type Source struct {
	port        bus.Port
	sig         *Signal
	idleTimeout time.Duration
	readLock    sync.Mutex
	stateLock   sync.Mutex
	state       SourceState
	result      error
}

// NewSource takes ownership of port. If sig is nil the source creates its own signal.
func NewSource(port bus.Port, sig *Signal, opts ...SourceOption) *Source {
	if sig == nil {
		sig = NewSignal()
	}
	s := &Source{port: port, sig: sig}
	for _, opt := range opts {
		opt(s)
	}
	common.Go(s.monitor)
	return s
}

func (s *Source) monitor() {
	select {
	case <-s.sig.Done():
		s.terminate(SourceCancelled, s.sig.Err())
		s.port.Disconnect()
	case <-s.port.Done():
	}
}

func (s *Source) Signal() *Signal {
	return s.sig
}

func (s *Source) State() SourceState {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

// Cancel tells the producer the reader has lost interest. Pending and later reads fail with reason.
func (s *Source) Cancel(reason error) {
	s.sig.Fire(reason)
}

func (s *Source) terminal() (bool, error) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state != SourceActive, s.result
}

// terminate records the first terminal outcome; later outcomes are ignored.
func (s *Source) terminate(state SourceState, result error) error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.state == SourceActive {
		s.state = state
		s.result = result
	}
	return s.result
}

// Read returns the next value of the stream, io.EOF once the producer ended it, or the error the stream failed with.
// Terminal results are sticky.
func (s *Source) Read(ctx context.Context) (json.RawMessage, error) {
	s.readLock.Lock()
	defer s.readLock.Unlock()
	if done, err := s.terminal(); done {
		return nil, err
	}
	if s.sig.Fired() {
		return nil, s.terminate(SourceCancelled, s.sig.Err())
	}
	var idle <-chan time.Time
	if s.idleTimeout > 0 {
		t := time.NewTimer(s.idleTimeout)
		defer t.Stop()
		idle = t.C
	}
	select {
	case raw, ok := <-s.port.Incoming():
		if !ok {
			if s.sig.Fired() {
				return nil, s.terminate(SourceCancelled, s.sig.Err())
			}
			return nil, s.terminate(SourceDisconnected, errors.NewErrorf(codes.Aborted,
				"stream disconnected: channel %q closed without end of stream", s.port.Name()))
		}
		if s.sig.Fired() {
			return nil, s.terminate(SourceCancelled, s.sig.Err())
		}
		return s.handle(raw)
	case <-s.sig.Done():
		return nil, s.terminate(SourceCancelled, s.sig.Err())
	case <-ctx.Done():
		s.sig.Fire(errors.NewErrorf(errors.CodeOf(ctx.Err()), "stream read: %v", ctx.Err()))
		return nil, s.terminate(SourceCancelled, s.sig.Err())
	case <-idle:
		s.sig.Fire(errors.NewErrorf(codes.DeadlineExceeded, "no stream item on channel %q within %s",
			s.port.Name(), s.idleTimeout))
		return nil, s.terminate(SourceCancelled, s.sig.Err())
	}
}

func (s *Source) handle(raw []byte) (json.RawMessage, error) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		metrics.ProtocolViolations.Inc()
		s.terminate(SourceAborted, err)
		s.port.Disconnect()
		return nil, err
	}
	switch msg.Kind {
	case KindValue:
		return msg.Value, nil
	case KindEnd:
		err = s.terminate(SourceCompleted, io.EOF)
	default:
		err = s.terminate(SourceAborted, msg.Err)
	}
	s.discardTrailing()
	s.port.Disconnect()
	return nil, err
}

// discardTrailing drops items that are already queued behind a terminal message. They are never delivered, only
// counted.
func (s *Source) discardTrailing() {
	trailing := 0
	for {
		select {
		case _, ok := <-s.port.Incoming():
			if !ok {
				s.reportTrailing(trailing)
				return
			}
			trailing++
		default:
			s.reportTrailing(trailing)
			return
		}
	}
}

func (s *Source) reportTrailing(n int) {
	if n == 0 {
		return
	}
	metrics.ProtocolViolations.Add(float64(n))
	log.Warnf("discarded %d stream items received after end of stream on channel %q", n, s.port.Name())
}

// ReadAll reads until the end of the stream and returns every value.
func (s *Source) ReadAll(ctx context.Context) ([]json.RawMessage, error) {
	var values []json.RawMessage
	for {
		v, err := s.Read(ctx)
		if errors.Is(err, io.EOF) {
			return values, nil
		}
		if err != nil {
			return values, err
		}
		values = append(values, v)
	}
}
