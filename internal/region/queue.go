package region

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Op is the kind of write carried by an Event.
type Op string

const (
	// OpUpdate is a create or update of an entry.
	OpUpdate Op = "UPDATE"
	// OpDestroy is a removal of an entry.
	OpDestroy Op = "DESTROY"
)

// DefaultBatchSize bounds the events handed to a listener at once.
const DefaultBatchSize = 100

var (
	// ErrQueueExists is returned when creating a queue whose id is taken.
	ErrQueueExists = errors.New("async event queue already exists")
	// ErrQueueRunning is returned when destroying a queue that was not stopped.
	ErrQueueRunning = errors.New("async event queue must be stopped before it is destroyed")
)

// Event is one write observed on a region bucket.
type Event struct {
	Op     Op     `json:"op"`
	Region string `json:"region"`
	Key    string `json:"key"`
	Value  []byte `json:"value,omitempty"`
	Bucket int    `json:"bucket"`
}

// EventListener consumes batches of region events.
type EventListener interface {
	ProcessEvents(ctx context.Context, events []Event) error
}

// QueueOptions tune an async event queue.
type QueueOptions struct {
	BatchSize int
}

// AsyncEventQueue delivers the writes of the regions it is attached to, in
// batches, to a listener running on a worker goroutine.
type AsyncEventQueue struct {
	listener  EventListener
	cache     *Cache
	cancel    context.CancelFunc
	signal    chan struct{}
	done      chan struct{}
	logger    zerolog.Logger
	id        string
	events    []Event
	batchSize int
	inflight  int
	mu        sync.Mutex
	stopped   bool
	destroyed bool
}

func newAsyncEventQueue(c *Cache, id string, listener EventListener, opts QueueOptions) *AsyncEventQueue {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &AsyncEventQueue{
		id:        id,
		cache:     c,
		listener:  listener,
		batchSize: opts.BatchSize,
		cancel:    cancel,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		logger:    c.logger.With().Str("queue", id).Logger(),
	}
	go q.run(ctx)
	return q
}

// ID returns the queue id.
func (q *AsyncEventQueue) ID() string { return q.id }

func (q *AsyncEventQueue) enqueue(ev Event) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.logger.Debug().Str("key", ev.Key).Msg("queue stopped, event dropped")
		return
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *AsyncEventQueue) run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
		for {
			batch := q.take()
			if len(batch) == 0 {
				break
			}
			if err := q.listener.ProcessEvents(ctx, batch); err != nil {
				q.logger.Error().Err(err).Int("events", len(batch)).Msg("listener failed to process events")
			}
			q.mu.Lock()
			q.inflight = 0
			q.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (q *AsyncEventQueue) take() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.events)
	if n > q.batchSize {
		n = q.batchSize
	}
	batch := append([]Event(nil), q.events[:n]...)
	q.events = q.events[n:]
	q.inflight = n
	return batch
}

// Size returns the number of events waiting for delivery.
func (q *AsyncEventQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Idle reports whether every accepted event was delivered.
func (q *AsyncEventQueue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events) == 0 && q.inflight == 0
}

// IsStopped reports whether Stop was called.
func (q *AsyncEventQueue) IsStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// Stop stops accepting events and waits for the batch in flight to finish.
// Events still queued are discarded.
func (q *AsyncEventQueue) Stop() {
	q.mu.Lock()
	already := q.stopped
	q.stopped = true
	q.mu.Unlock()

	if !already {
		q.cancel()
	}
	<-q.done

	q.mu.Lock()
	q.events = nil
	q.mu.Unlock()
}

// Destroy removes a stopped queue from its cache.
func (q *AsyncEventQueue) Destroy() error {
	q.mu.Lock()
	if !q.stopped {
		q.mu.Unlock()
		return errors.Wrapf(ErrQueueRunning, "queue %s", q.id)
	}
	already := q.destroyed
	q.destroyed = true
	q.mu.Unlock()

	if !already {
		q.cache.removeQueue(q)
	}
	return nil
}
