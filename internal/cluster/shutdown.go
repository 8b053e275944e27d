package cluster

import (
	"sync"

	"github.com/pkg/errors"
)

// CancelError reports that the member (or the whole cluster) is shutting down.
// Work interrupted by a CancelError is not considered failed.
type CancelError struct {
	Member MemberID
	Reason string
}

// Error names the member and the shutdown reason.
func (e *CancelError) Error() string {
	if e.Member == "" {
		return "cancellation in progress: " + e.Reason
	}
	return "member " + string(e.Member) + " is shutting down: " + e.Reason
}

// IsCancel reports whether the root cause of err is a CancelError.
func IsCancel(err error) bool {
	if err == nil {
		return false
	}
	_, ok := errors.Cause(err).(*CancelError)
	return ok
}

// CancelCriterion tells long running work whether its member is shutting down.
type CancelCriterion interface {
	// CancelInProgress returns a *CancelError while shutdown is in progress,
	// nil otherwise.
	CancelInProgress() error
	// Done is closed once shutdown has begun.
	Done() <-chan struct{}
}

// ShutdownSignal is the CancelCriterion of one member. It is triggered once
// and stays triggered.
type ShutdownSignal struct {
	member MemberID

	once   sync.Once
	done   chan struct{}
	mu     sync.RWMutex
	reason string
}

// NewShutdownSignal returns an untriggered signal for member.
func NewShutdownSignal(member MemberID) *ShutdownSignal {
	return &ShutdownSignal{member: member, done: make(chan struct{})}
}

// Trigger starts the shutdown. Only the first reason is kept.
func (s *ShutdownSignal) Trigger(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Done is closed once the signal is triggered.
func (s *ShutdownSignal) Done() <-chan struct{} { return s.done }

// CancelInProgress returns a *CancelError once the signal is triggered, nil
// before.
func (s *ShutdownSignal) CancelInProgress() error {
	select {
	case <-s.done:
		s.mu.RLock()
		defer s.mu.RUnlock()
		return &CancelError{Member: s.member, Reason: s.reason}
	default:
		return nil
	}
}
