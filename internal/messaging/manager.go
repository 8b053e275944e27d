package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dreamware/shardex/internal/cluster"
)

// ErrClosed is returned by a manager that was closed.
var ErrClosed = errors.New("distribution manager closed")

// Handler processes an inbound request. The returned error travels back to
// the sender inside the reply.
type Handler func(ctx context.Context, msg Message) error

// Options tune a manager.
type Options struct {
	// AckWaitThreshold makes a reply wait log a warning once it has been
	// blocked for this long. Zero disables the warning.
	AckWaitThreshold time.Duration
}

// Manager is the distribution manager of one member: it sends requests,
// dispatches inbound requests to handlers and routes replies to processors.
type Manager struct {
	id               cluster.MemberID
	bus              *Bus
	shutdown         *cluster.ShutdownSignal
	logger           zerolog.Logger
	ackWaitThreshold time.Duration

	mu         sync.Mutex
	handlers   map[Kind]Handler
	processors map[string]*ReplyProcessor
	started    bool
	closed     bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager returns the distribution manager of member id. It answers
// pings out of the box; Start joins the bus.
func NewManager(id cluster.MemberID, bus *Bus, shutdown *cluster.ShutdownSignal, logger zerolog.Logger, opts Options) *Manager {
	m := &Manager{
		id:               id,
		bus:              bus,
		shutdown:         shutdown,
		logger:           logger.With().Str("component", "dm").Str("member", string(id)).Logger(),
		ackWaitThreshold: opts.AckWaitThreshold,
		handlers:         make(map[Kind]Handler),
		processors:       make(map[string]*ReplyProcessor),
	}
	m.handlers[KindPing] = func(context.Context, Message) error { return nil }
	return m
}

// ID returns the member the manager sends for.
func (m *Manager) ID() cluster.MemberID { return m.id }

// CancelCriterion returns the member's shutdown signal.
func (m *Manager) CancelCriterion() cluster.CancelCriterion { return m.shutdown }

// RegisterHandler installs the handler for a request kind, replacing any
// previous one.
func (m *Manager) RegisterHandler(kind Kind, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

// Start subscribes to the member's topic and joins the bus.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return errors.Errorf("manager %s already started", m.id)
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	messages, err := m.bus.pubsub.Subscribe(ctx, topic(m.id))
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", topic(m.id))
	}
	if err := m.bus.join(m); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for msg := range messages {
			m.receive(ctx, msg)
			msg.Ack()
		}
	}()
	return nil
}

// Close triggers the member's shutdown, leaves the bus and waits for
// in-flight handlers.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.shutdown.Trigger("distribution manager closed")
	m.bus.Leave(m.id)
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

// PutOutgoing sends msg to every recipient. Recipients that cannot be
// reached are treated as departed so that no processor waits on them.
func (m *Manager) PutOutgoing(msg Message) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := m.shutdown.CancelInProgress(); err != nil {
		return err
	}

	msg.Sender = m.id
	for _, to := range msg.Recipients {
		if to == m.id {
			continue
		}
		if err := m.bus.publish(to, envelope{Request: &msg}); err != nil {
			if errors.Cause(err) != ErrUnknownMember {
				return err
			}
			m.logger.Debug().Str("recipient", string(to)).Msg("recipient not in view, counting it as departed")
			m.MemberDeparted(to)
		}
	}
	return nil
}

// Ping sends a ping request to target and waits for its acknowledgment.
func (m *Manager) Ping(ctx context.Context, target cluster.Member) error {
	p := NewReplyProcessor(m, []cluster.MemberID{target.ID})
	msg := Message{Kind: KindPing, Recipients: []cluster.MemberID{target.ID}, ProcessorID: p.ID()}
	if err := m.PutOutgoing(msg); err != nil {
		m.unregister(p.ID())
		return err
	}
	err := p.WaitForReplies(ctx)
	if IsInterrupted(err) {
		return errors.Wrapf(err, "ping %s", target.ID)
	}
	return err
}

// MemberDeparted releases every processor waiting on id.
func (m *Manager) MemberDeparted(id cluster.MemberID) {
	m.mu.Lock()
	processors := make([]*ReplyProcessor, 0, len(m.processors))
	for _, p := range m.processors {
		processors = append(processors, p)
	}
	m.mu.Unlock()

	for _, p := range processors {
		p.memberDeparted(id)
	}
}

func (m *Manager) register(p *ReplyProcessor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processors[p.id] = p
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processors, id)
}

func (m *Manager) receive(ctx context.Context, wm *message.Message) {
	var env envelope
	if err := json.Unmarshal(wm.Payload, &env); err != nil {
		m.logger.Error().Err(err).Str("uuid", wm.UUID).Msg("dropping undecodable message")
		return
	}
	switch {
	case env.Reply != nil:
		m.mu.Lock()
		p := m.processors[env.Reply.ProcessorID]
		m.mu.Unlock()
		if p == nil {
			m.logger.Debug().Str("processor", env.Reply.ProcessorID).Msg("reply for unknown processor")
			return
		}
		p.process(*env.Reply)
	case env.Request != nil:
		// handlers may block; replies must keep flowing meanwhile
		m.wg.Add(1)
		go func(req Message) {
			defer m.wg.Done()
			m.dispatch(ctx, req)
		}(*env.Request)
	}
}

func (m *Manager) dispatch(ctx context.Context, req Message) {
	err := m.shutdown.CancelInProgress()
	if err == nil {
		m.mu.Lock()
		h, ok := m.handlers[req.Kind]
		m.mu.Unlock()
		if ok {
			err = h(ctx, req)
		} else {
			err = errors.Errorf("no handler for %q", req.Kind)
		}
	}
	if err != nil {
		m.logger.Debug().Err(err).Str("kind", string(req.Kind)).Str("sender", string(req.Sender)).Msg("request failed")
	}
	if req.ProcessorID == "" {
		return
	}
	r := reply{ProcessorID: req.ProcessorID, Sender: m.id, Failure: toFailure(err)}
	if err := m.bus.publish(req.Sender, envelope{Reply: &r}); err != nil {
		m.logger.Warn().Err(err).Str("sender", string(req.Sender)).Msg("could not send reply")
	}
}
