package messaging

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dreamware/shardex/internal/cluster"
)

// ErrInterrupted is the root cause of a reply wait abandoned because the
// caller's context ended or the local member started shutting down.
var ErrInterrupted = errors.New("reply wait interrupted")

// IsInterrupted reports whether err was caused by an abandoned reply wait.
func IsInterrupted(err error) bool {
	return err != nil && errors.Cause(err) == ErrInterrupted
}

// MemberFailure is one failed acknowledgment.
type MemberFailure struct {
	Member cluster.MemberID
	Err    error
}

// ReplyError aggregates the failures reported by the recipients of one
// request.
type ReplyError struct {
	ProcessorID string
	Failures    []MemberFailure
}

// Error lists the failing members.
func (e *ReplyError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Err.Error())
	}
	return "remote failures for " + e.ProcessorID + ": " + strings.Join(parts, "; ")
}

// Cause returns the first failure that is not a cancellation, or the first
// failure when all of them are cancellations. errors.Cause follows it.
func (e *ReplyError) Cause() error {
	for _, f := range e.Failures {
		if !cluster.IsCancel(f.Err) {
			return f.Err
		}
	}
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[0].Err
}

// ReplyProcessor collects the replies to one request. It is registered with
// its manager under a fresh correlation id until WaitForReplies returns.
type ReplyProcessor struct {
	id string
	dm *Manager

	mu       sync.Mutex
	waiting  cluster.MemberSet
	failures []MemberFailure
	done     chan struct{}
	once     sync.Once
}

// NewReplyProcessor registers a processor expecting one reply from every
// recipient.
func NewReplyProcessor(dm *Manager, recipients []cluster.MemberID) *ReplyProcessor {
	p := &ReplyProcessor{
		id:      uuid.New().String(),
		dm:      dm,
		waiting: cluster.NewMemberSet(recipients...),
		done:    make(chan struct{}),
	}
	delete(p.waiting, dm.ID())
	if len(p.waiting) == 0 {
		p.finish()
	}
	dm.register(p)
	return p
}

// ID returns the correlation id replies must carry.
func (p *ReplyProcessor) ID() string { return p.id }

func (p *ReplyProcessor) finish() {
	p.once.Do(func() { close(p.done) })
}

func (p *ReplyProcessor) process(r reply) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.waiting.Contains(r.Sender) {
		return
	}
	delete(p.waiting, r.Sender)
	if r.Failure != nil {
		p.failures = append(p.failures, MemberFailure{Member: r.Sender, Err: r.Failure.toError(r.Sender)})
	}
	if len(p.waiting) == 0 {
		p.finish()
	}
}

// memberDeparted counts a departed member as having replied.
func (p *ReplyProcessor) memberDeparted(id cluster.MemberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.waiting.Contains(id) {
		return
	}
	delete(p.waiting, id)
	if len(p.waiting) == 0 {
		p.finish()
	}
}

// Pending returns the members that have not replied yet, sorted.
func (p *ReplyProcessor) Pending() []cluster.MemberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := p.waiting.Slice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// WaitForReplies blocks until every recipient replied or departed. Remote
// failures are returned as a *ReplyError. If ctx ends or the local member
// starts shutting down first, the wait is abandoned with an error whose
// cause is ErrInterrupted.
func (p *ReplyProcessor) WaitForReplies(ctx context.Context) error {
	defer p.dm.unregister(p.id)

	var threshold <-chan time.Time
	if d := p.dm.ackWaitThreshold; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		threshold = timer.C
	}

	for {
		// replies that already arrived win over a concurrent interrupt
		select {
		case <-p.done:
			return p.result()
		default:
		}

		select {
		case <-p.done:
			return p.result()
		case <-ctx.Done():
			return errors.Wrap(ErrInterrupted, ctx.Err().Error())
		case <-p.dm.shutdown.Done():
			return errors.Wrap(ErrInterrupted, p.dm.shutdown.CancelInProgress().Error())
		case <-threshold:
			threshold = nil
			p.dm.logger.Warn().
				Str("processor", p.id).
				Dur("threshold", p.dm.ackWaitThreshold).
				Interface("pending", p.Pending()).
				Msg("still waiting for replies")
		}
	}
}

func (p *ReplyProcessor) result() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.failures) == 0 {
		return nil
	}
	return &ReplyError{ProcessorID: p.id, Failures: append([]MemberFailure(nil), p.failures...)}
}
