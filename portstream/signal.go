package portstream

import (
	"context"
	"sync"
	"time"

	"github.com/spirit-labs/chanrpc/common"
	"github.com/spirit-labs/chanrpc/errors"
	"google.golang.org/grpc/codes"
)

// Signal is a one-shot, idempotent stop notification. It can be shared between an adapter and its caller: whoever
// fires it first decides the reason, and every later Fire is a no-op.
type Signal struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fire stops everything watching the signal. A nil reason is recorded as a Canceled error. It returns true only for
// the call that actually fired the signal.
func (s *Signal) Fire(reason error) (fired bool) {
	if reason == nil {
		reason = errors.NewError(codes.Canceled, "operation cancelled")
	}
	s.once.Do(func() {
		s.err = reason
		close(s.done)
		fired = true
	})
	return fired
}

func (s *Signal) Done() <-chan struct{} {
	return s.done
}

func (s *Signal) Fired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Err returns the reason the signal was fired with, or nil if it has not fired.
func (s *Signal) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// FireOnDone fires the signal when ctx is done. The returned function stops watching ctx.
func (s *Signal) FireOnDone(ctx context.Context) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	stopCh := make(chan struct{})
	var stopOnce sync.Once
	common.Go(func() {
		select {
		case <-ctx.Done():
			s.Fire(errors.NewErrorf(errors.CodeOf(ctx.Err()), "%v", ctx.Err()))
		case <-s.done:
		case <-stopCh:
		}
	})
	return func() {
		stopOnce.Do(func() { close(stopCh) })
	}
}

// FireAfter fires the signal with a DeadlineExceeded error once d has elapsed. The returned function cancels the
// timer and reports whether it did so before it fired.
func (s *Signal) FireAfter(d time.Duration, what string) (stop func() bool) {
	t := time.AfterFunc(d, func() {
		s.Fire(errors.NewErrorf(codes.DeadlineExceeded, "%s timed out after %s", what, d))
	})
	return t.Stop
}

// Child returns a signal that fires with the same reason whenever s fires. Firing the child does not fire s.
func (s *Signal) Child() *Signal {
	child := NewSignal()
	common.Go(func() {
		select {
		case <-s.done:
			child.Fire(s.err)
		case <-child.done:
		}
	})
	return child
}
