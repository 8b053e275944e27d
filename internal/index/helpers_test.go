package index

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardex/internal/cluster"
	"github.com/dreamware/shardex/internal/messaging"
	"github.com/dreamware/shardex/internal/partition"
	"github.com/dreamware/shardex/internal/region"
)

type fakeRepos struct {
	primary map[int]bool
	events  []region.Event
	mu      sync.Mutex
	closed  bool
}

func newFakeRepos() *fakeRepos {
	return &fakeRepos{primary: make(map[int]bool)}
}

func (f *fakeRepos) BucketPrimary(_ IndexID, bucketID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.primary[bucketID] = true
}

func (f *fakeRepos) BucketSecondary(_ IndexID, bucketID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.primary, bucketID)
}

func (f *fakeRepos) ProcessEvents(_ context.Context, events []region.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeRepos) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeRepos) primaries() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int, 0, len(f.primary))
	for id := range f.primary {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (f *fakeRepos) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeRepos) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// blockingRepos holds the queue worker inside ProcessEvents until release is
// closed, then runs onReturn.
type blockingRepos struct {
	*fakeRepos
	entered  chan struct{}
	release  chan struct{}
	onReturn func()
	once     sync.Once
}

func (b *blockingRepos) ProcessEvents(ctx context.Context, events []region.Event) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	b.onReturn()
	return b.fakeRepos.ProcessEvents(ctx, events)
}

type testMember struct {
	cache  *region.Cache
	dm     *messaging.Manager
	signal *cluster.ShutdownSignal
	svc    *Service
	repos  map[IndexID]*fakeRepos
	wrap   func(*fakeRepos) Repositories
	id     cluster.MemberID
	mu     sync.Mutex
}

func (m *testMember) newRepos(id IndexID, _ []string, _ *region.Cache) Repositories {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := newFakeRepos()
	m.repos[id] = r
	if m.wrap != nil {
		return m.wrap(r)
	}
	return r
}

func (m *testMember) reposOf(id IndexID) *fakeRepos {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repos[id]
}

type testCluster struct {
	bus     *messaging.Bus
	dir     *region.Directory
	members map[cluster.MemberID]*testMember
}

func newTestCluster(t *testing.T, ids ...cluster.MemberID) *testCluster {
	t.Helper()
	tc := &testCluster{
		bus:     messaging.NewBus(zerolog.Nop()),
		dir:     region.NewDirectory(zerolog.Nop()),
		members: make(map[cluster.MemberID]*testMember),
	}
	for _, id := range ids {
		m := &testMember{id: id, repos: make(map[IndexID]*fakeRepos)}
		cache, err := region.NewCache(id, tc.dir, zerolog.Nop(), region.CacheOptions{DiskDir: t.TempDir()})
		require.NoError(t, err)
		m.cache = cache
		m.signal = cluster.NewShutdownSignal(id)
		m.dm = messaging.NewManager(id, tc.bus, m.signal, zerolog.Nop(), messaging.Options{})
		require.NoError(t, m.dm.Start(context.Background()))
		m.svc = NewService(cache, m.dm, prometheus.NewRegistry(), m.newRepos, zerolog.Nop())
		tc.members[id] = m
	}
	t.Cleanup(func() {
		for _, m := range tc.members {
			_ = m.dm.Close()
			_ = m.cache.Close()
		}
		_ = tc.bus.Close()
	})
	return tc
}

func (tc *testCluster) member(id cluster.MemberID) *testMember {
	return tc.members[id]
}

// createBase creates the base region on the given members, in order.
func (tc *testCluster) createBase(t *testing.T, name string, attrs region.Attributes, ids ...cluster.MemberID) {
	t.Helper()
	for _, id := range ids {
		_, err := tc.member(id).cache.CreateRegion(name, attrs)
		require.NoError(t, err)
	}
}

func baseAttrs(buckets, redundancy int) region.Attributes {
	return region.Attributes{
		Shortcut: region.Partition,
		Partition: region.PartitionAttributes{
			TotalNumBuckets: buckets,
			RedundantCopies: redundancy,
			LocalMaxMemory:  region.DefaultLocalMaxMemory,
			Resolver:        partition.HashResolver{},
		},
	}
}
