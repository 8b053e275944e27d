package messaging

import (
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardex/internal/cluster"
)

// ErrUnknownMember is returned when publishing to a member that is not part
// of the bus.
var ErrUnknownMember = errors.New("unknown member")

// Bus is the in-process cluster transport. Every member subscribes to its
// own topic on a shared watermill gochannel; the bus also keeps the
// membership view and announces departures.
type Bus struct {
	pubsub *gochannel.GoChannel
	wmLog  watermill.LoggerAdapter
	logger zerolog.Logger

	mu          sync.RWMutex
	members     map[cluster.MemberID]*Manager
	onDeparture []func(cluster.MemberID)
}

// NewBus returns an empty bus over an in-memory gochannel pub/sub.
func NewBus(logger zerolog.Logger) *Bus {
	wmLog := newWatermillLogger(logger)
	return &Bus{
		pubsub:  gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wmLog),
		wmLog:   wmLog,
		logger:  logger.With().Str("component", "bus").Logger(),
		members: make(map[cluster.MemberID]*Manager),
	}
}

func topic(id cluster.MemberID) string {
	return "member." + string(id)
}

// OnDeparture registers a callback run (synchronously, in registration order)
// whenever a member leaves the bus.
func (b *Bus) OnDeparture(fn func(cluster.MemberID)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDeparture = append(b.onDeparture, fn)
}

// Members returns the current membership view sorted by id.
func (b *Bus) Members() []cluster.Member {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]cluster.Member, 0, len(b.members))
	for id := range b.members {
		out = append(out, cluster.Member{ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Manager returns the manager of a joined member.
func (b *Bus) Manager(id cluster.MemberID) (*Manager, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.members[id]
	return m, ok
}

func (b *Bus) join(m *Manager) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.members[m.id]; dup {
		return errors.Errorf("member %s already joined", m.id)
	}
	b.members[m.id] = m
	b.logger.Info().Str("member", string(m.id)).Msg("member joined")
	return nil
}

// Leave removes a member from the view and tells everyone else it departed.
// Leaving twice is a no-op.
func (b *Bus) Leave(id cluster.MemberID) {
	b.mu.Lock()
	if _, ok := b.members[id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.members, id)
	remaining := make([]*Manager, 0, len(b.members))
	for _, m := range b.members {
		remaining = append(remaining, m)
	}
	callbacks := slices.Clone(b.onDeparture)
	b.mu.Unlock()

	b.logger.Info().Str("member", string(id)).Msg("member departed")
	for _, m := range remaining {
		m.MemberDeparted(id)
	}
	for _, fn := range callbacks {
		fn(id)
	}
}

func (b *Bus) publish(to cluster.MemberID, env envelope) error {
	b.mu.RLock()
	_, ok := b.members[to]
	b.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUnknownMember, "publish to %s", to)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	msg := message.NewMessage(uuid.New().String(), payload)
	return errors.Wrapf(b.pubsub.Publish(topic(to), msg), "publish to %s", to)
}

// Close shuts the transport down; subscriptions end.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
