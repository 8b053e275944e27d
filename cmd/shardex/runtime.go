package main

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dreamware/shardex/internal/cluster"
	"github.com/dreamware/shardex/internal/config"
	"github.com/dreamware/shardex/internal/index"
	"github.com/dreamware/shardex/internal/messaging"
	"github.com/dreamware/shardex/internal/region"
	"github.com/dreamware/shardex/internal/repository"
)

// member is one in-process cluster member.
type member struct {
	cache  *region.Cache
	dm     *messaging.Manager
	svc    *index.Service
	signal *cluster.ShutdownSignal
	id     cluster.MemberID
}

// runtime is the in-process cluster served by the HTTP API.
type runtime struct {
	bus      *messaging.Bus
	dir      *region.Directory
	monitor  *cluster.HealthMonitor
	registry *prometheus.Registry
	members  map[cluster.MemberID]*member
	logger   zerolog.Logger
	order    []cluster.MemberID
	mu       sync.RWMutex
}

func newRuntime(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*runtime, error) {
	rt := &runtime{
		bus:      messaging.NewBus(logger),
		dir:      region.NewDirectory(logger),
		registry: prometheus.NewRegistry(),
		members:  make(map[cluster.MemberID]*member),
		logger:   logger.With().Str("component", "runtime").Logger(),
	}
	rt.registry.MustRegister(prometheus.NewGoCollector())

	// a member that left the bus without closing its cache gives up its
	// buckets
	rt.bus.OnDeparture(rt.dir.MemberDeparted)

	for _, id := range cfg.Cluster.MemberIDs() {
		cache, err := region.NewCache(id, rt.dir, logger, region.CacheOptions{DiskDir: cfg.Region.DiskDir})
		if err != nil {
			rt.close()
			return nil, errors.Wrapf(err, "open cache of %s", id)
		}
		signal := cluster.NewShutdownSignal(id)
		dm := messaging.NewManager(id, rt.bus, signal, logger, messaging.Options{
			AckWaitThreshold: cfg.Messaging.AckWaitThreshold,
		})
		m := &member{
			id:     id,
			cache:  cache,
			dm:     dm,
			signal: signal,
			svc:    index.NewService(cache, dm, rt.registry, repository.Factory(logger), logger),
		}
		rt.members[id] = m
		rt.order = append(rt.order, id)
		if err := dm.Start(ctx); err != nil {
			rt.close()
			return nil, errors.Wrapf(err, "start member %s", id)
		}
	}

	rt.monitor = cluster.NewHealthMonitor(cfg.Monitor.Interval, cfg.Monitor.MaxFailures, rt.ping, logger)
	rt.monitor.SetOnUnhealthy(rt.bus.Leave)
	rt.monitor.Start(ctx, rt.bus.Members)

	rt.logger.Info().Int("members", len(rt.order)).Msg("cluster started")
	return rt, nil
}

// ping probes target from the first live member.
func (rt *runtime) ping(ctx context.Context, target cluster.Member) error {
	for _, m := range rt.live() {
		if m.id != target.ID {
			return m.dm.Ping(ctx, target)
		}
	}
	return nil
}

// live returns the members still on the bus, in creation order.
func (rt *runtime) live() []*member {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []*member
	for _, id := range rt.order {
		if _, ok := rt.bus.Manager(id); ok {
			out = append(out, rt.members[id])
		}
	}
	return out
}

func (rt *runtime) member(id cluster.MemberID) *member {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.members[id]
}

// stopMember shuts one member down. Its buckets move to the remaining data
// stores.
func (rt *runtime) stopMember(id cluster.MemberID) error {
	m := rt.member(id)
	if m == nil {
		return errors.Errorf("unknown member %s", id)
	}
	if err := m.dm.Close(); err != nil {
		return err
	}
	return m.cache.Close()
}

func (rt *runtime) close() {
	if rt.monitor != nil {
		rt.monitor.Stop()
	}
	rt.mu.RLock()
	members := make([]*member, 0, len(rt.order))
	for _, id := range rt.order {
		members = append(members, rt.members[id])
	}
	rt.mu.RUnlock()

	for _, m := range members {
		if err := m.dm.Close(); err != nil {
			rt.logger.Warn().Err(err).Str("member", string(m.id)).Msg("failed to close messaging")
		}
		if err := m.cache.Close(); err != nil {
			rt.logger.Warn().Err(err).Str("member", string(m.id)).Msg("failed to close cache")
		}
	}
	if err := rt.bus.Close(); err != nil {
		rt.logger.Warn().Err(err).Msg("failed to close bus")
	}
	rt.logger.Info().Msg("cluster stopped")
}
