package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Health status values reported by the monitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// MemberHealth tracks the health status of a single member.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type MemberHealth struct {
	LastCheck        time.Time // Timestamp of the last health check attempt
	LastHealthy      time.Time // Timestamp of the last successful health check
	Member           MemberID  // Member being checked
	Status           string    // StatusHealthy, StatusUnhealthy or StatusUnknown
	ConsecutiveFails int       // Number of consecutive failed health checks
}

// CheckFunc probes one member and returns nil when it is alive.
type CheckFunc func(ctx context.Context, m Member) error

// HealthMonitor periodically probes every member of the cluster view and
// reports members that stopped answering. The messaging layer treats such a
// member as departed, which releases any reply wait blocked on it.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	members     map[MemberID]*MemberHealth
	check       CheckFunc
	onUnhealthy func(id MemberID)
	logger      zerolog.Logger
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor probing every interval. A member is
// reported unhealthy after maxFailures consecutive failed probes.
//
// Example:
//
//	monitor := NewHealthMonitor(time.Second, 3, bus.Ping, logger)
//	monitor.SetOnUnhealthy(bus.Leave)
//	monitor.Start(ctx, bus.Members)
//	defer monitor.Stop()
func NewHealthMonitor(interval time.Duration, maxFailures int, check CheckFunc, logger zerolog.Logger) *HealthMonitor {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &HealthMonitor{
		interval:    interval,
		timeout:     interval,
		maxFailures: maxFailures,
		check:       check,
		members:     make(map[MemberID]*MemberHealth),
		logger:      logger.With().Str("component", "health-monitor").Logger(),
	}
}

// SetOnUnhealthy sets the callback invoked once when a member turns unhealthy.
// Must be called before Start.
func (h *HealthMonitor) SetOnUnhealthy(callback func(id MemberID)) {
	h.onUnhealthy = callback
}

// Start launches the monitoring goroutine. It performs an initial round
// immediately and then one round per interval until ctx is cancelled or Stop
// is called.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []Member) {
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		h.logger.Info().Dur("interval", h.interval).Msg("health monitor started")
		h.checkAll(ctx, provider())

		for {
			select {
			case <-ticker.C:
				h.checkAll(ctx, provider())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the monitoring goroutine and waits for it to exit.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.logger.Info().Msg("health monitor stopped")
}

// checkAll probes all members and forgets the ones no longer in the view.
func (h *HealthMonitor) checkAll(ctx context.Context, members []Member) {
	current := make(map[MemberID]bool, len(members))
	for _, m := range members {
		current[m.ID] = true
		h.checkMember(ctx, m)
	}

	h.mu.Lock()
	for id := range h.members {
		if !current[id] {
			delete(h.members, id)
			h.logger.Debug().Str("member", string(id)).Msg("member left the view")
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkMember(ctx context.Context, m Member) {
	h.mu.Lock()
	health, exists := h.members[m.ID]
	if !exists {
		now := time.Now()
		health = &MemberHealth{Member: m.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.members[m.ID] = health
	}
	h.mu.Unlock()

	err := h.probe(ctx, m)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err == nil {
		if health.Status == StatusUnhealthy {
			h.logger.Info().Str("member", string(m.ID)).Msg("member recovered")
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return
	}

	health.ConsecutiveFails++
	h.logger.Warn().Err(err).Str("member", string(m.ID)).
		Int("attempt", health.ConsecutiveFails).Int("max", h.maxFailures).
		Msg("health check failed")

	if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
		health.Status = StatusUnhealthy
		h.logger.Warn().Str("member", string(m.ID)).Msg("member marked unhealthy")
		if h.onUnhealthy != nil {
			// never call out while holding the lock
			go h.onUnhealthy(m.ID)
		}
	}
}

func (h *HealthMonitor) probe(ctx context.Context, m Member) error {
	if h.check == nil {
		return errors.New("no health check configured")
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.check(ctx, m)
}

// MemberHealth returns a copy of the health record of a member, or nil.
func (h *HealthMonitor) MemberHealth(id MemberID) *MemberHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.members[id]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// IsHealthy reports whether the member passed its last probe.
func (h *HealthMonitor) IsHealthy(id MemberID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.members[id]
	return ok && health.Status == StatusHealthy
}
