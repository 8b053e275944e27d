package region

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardex/internal/bucket"
	"github.com/dreamware/shardex/internal/cluster"
	"github.com/dreamware/shardex/internal/partition"
	"github.com/dreamware/shardex/internal/storage"
)

type recordingListener struct {
	primary   []int
	secondary []int
	removed   []int
	mu        sync.Mutex
}

func (l *recordingListener) AfterPrimary(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.primary = append(l.primary, id)
}

func (l *recordingListener) AfterSecondary(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.secondary = append(l.secondary, id)
}

func (l *recordingListener) AfterBucketRemoved(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, id)
}

func (l *recordingListener) snapshot() (primary, secondary, removed []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.primary...), append([]int(nil), l.secondary...), append([]int(nil), l.removed...)
}

type recordingQueueListener struct {
	events []Event
	mu     sync.Mutex
}

func (l *recordingQueueListener) ProcessEvents(_ context.Context, events []Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, events...)
	return nil
}

func (l *recordingQueueListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func newTestCache(t *testing.T, dir *Directory, id cluster.MemberID, diskDir string) *Cache {
	t.Helper()
	c, err := NewCache(id, dir, zerolog.Nop(), CacheOptions{DiskDir: diskDir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func bucketAttrs(shortcut Shortcut, buckets, redundancy int) Attributes {
	return Attributes{
		Shortcut: shortcut,
		Partition: PartitionAttributes{
			TotalNumBuckets: buckets,
			RedundantCopies: redundancy,
			LocalMaxMemory:  DefaultLocalMaxMemory,
			Resolver:        partition.BucketTargetingResolver{},
		},
	}
}

func TestCreateRegionDefaults(t *testing.T) {
	dir := NewDirectory(zerolog.Nop())
	c := newTestCache(t, dir, "m1", "")

	r, err := c.CreateRegion("/orders", Attributes{Partition: PartitionAttributes{LocalMaxMemory: 50}})
	require.NoError(t, err)

	attrs := r.Attributes()
	assert.Equal(t, "orders", r.Name())
	assert.Equal(t, "/orders", r.FullPath())
	assert.Equal(t, Partition, attrs.Shortcut)
	assert.Equal(t, DefaultTotalNumBuckets, attrs.Partition.TotalNumBuckets)
	assert.Equal(t, 50, attrs.Partition.LocalMaxMemory)
	assert.Equal(t, "hash", partition.Kind(attrs.Partition.Resolver))
	assert.Len(t, r.LocalPrimaryBuckets(), DefaultTotalNumBuckets)
	assert.Same(t, r, c.Region("orders"))

	_, err = c.CreateRegion("orders", Attributes{})
	assert.Equal(t, ErrRegionExists, errors.Cause(err))
}

func TestCreateRegionInvalidAttributes(t *testing.T) {
	dir := NewDirectory(zerolog.Nop())
	c := newTestCache(t, dir, "m1", "")

	tests := []struct {
		name  string
		attrs Attributes
	}{
		{name: "unknown shortcut", attrs: Attributes{Shortcut: "REPLICATE"}},
		{name: "too many copies", attrs: bucketAttrs(Partition, 4, 4)},
		{name: "persistent without disk dir", attrs: bucketAttrs(PartitionPersistent, 4, 0)},
		{name: "missing colocation parent", attrs: Attributes{Partition: PartitionAttributes{LocalMaxMemory: 10, ColocatedWith: "/nope"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CreateRegion("bad", tt.attrs)
			assert.Error(t, err)
			assert.Nil(t, c.Region("bad"))
		})
	}
}

func TestZeroLocalMaxMemoryHoldsNoData(t *testing.T) {
	dir := NewDirectory(zerolog.Nop())
	m1 := newTestCache(t, dir, "m1", "")
	m2 := newTestCache(t, dir, "m2", "")

	tests := []struct {
		name           string
		shortcut       Shortcut
		localMaxMemory int
	}{
		{name: "orders", shortcut: Partition, localMaxMemory: 0},
		{name: "invoices", shortcut: PartitionPersistent, localMaxMemory: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := m1.CreateRegion(tt.name, bucketAttrs(Partition, 4, 1))
			require.NoError(t, err)

			attrs := bucketAttrs(tt.shortcut, 4, 1)
			attrs.Partition.LocalMaxMemory = tt.localMaxMemory
			r, err := m2.CreateRegion(tt.name, attrs)
			require.NoError(t, err)

			assert.Equal(t, PartitionProxy, r.Attributes().Shortcut)
			assert.Equal(t, 0, r.Attributes().Partition.LocalMaxMemory)
			assert.Equal(t, []cluster.MemberID{"m1"}, r.Advisor().AdviseDataStore())

			require.NoError(t, r.Put("k", []byte("v"), partition.BucketID(3)))
			assert.Empty(t, r.LocalBuckets())
			assert.Len(t, store.LocalBuckets(), 4)
			assert.Equal(t, 1, store.LocalSize())
		})
	}
}

func TestProxyHoldsNoData(t *testing.T) {
	dir := NewDirectory(zerolog.Nop())
	m1 := newTestCache(t, dir, "m1", "")
	m2 := newTestCache(t, dir, "m2", "")

	store, err := m1.CreateRegion("orders", bucketAttrs(Partition, 4, 0))
	require.NoError(t, err)
	proxy, err := m2.CreateRegion("orders", bucketAttrs(PartitionProxy, 4, 0))
	require.NoError(t, err)

	assert.Equal(t, 0, proxy.Attributes().Partition.LocalMaxMemory)
	require.NoError(t, proxy.Put("k", []byte("v"), partition.BucketID(2)))

	assert.Empty(t, proxy.LocalBuckets())
	assert.Equal(t, 0, proxy.LocalSize())
	assert.Equal(t, 1, store.LocalSize())
	assert.Equal(t, []string{"k"}, store.BucketKeys(2))

	v, err := proxy.Get("k", partition.BucketID(2))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	assert.Empty(t, store.Advisor().AdviseDataStore())
	assert.Equal(t, []cluster.MemberID{"m1"}, proxy.Advisor().AdviseDataStore())
}

func TestNoDataStore(t *testing.T) {
	dir := NewDirectory(zerolog.Nop())
	c := newTestCache(t, dir, "m1", "")

	r, err := c.CreateRegion("orders", bucketAttrs(PartitionProxy, 4, 0))
	require.NoError(t, err)

	err = r.Put("k", []byte("v"), partition.BucketID(0))
	assert.Equal(t, ErrNoDataStore, errors.Cause(err))
}

func TestRedundantCopies(t *testing.T) {
	dir := NewDirectory(zerolog.Nop())
	m1 := newTestCache(t, dir, "m1", "")
	m2 := newTestCache(t, dir, "m2", "")

	r1, err := m1.CreateRegion("orders", bucketAttrs(Partition, 4, 1))
	require.NoError(t, err)
	r2, err := m2.CreateRegion("orders", bucketAttrs(Partition, 4, 1))
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3}, r1.LocalBuckets())
	assert.Equal(t, []int{0, 1, 2, 3}, r2.LocalBuckets())
	assert.Equal(t, []int{0, 2}, r1.LocalPrimaryBuckets())
	assert.Equal(t, []int{1, 3}, r2.LocalPrimaryBuckets())

	require.NoError(t, r1.Put("k", []byte("value"), partition.BucketID(3)))
	assert.Equal(t, 1, r1.LocalSize())
	assert.Equal(t, 1, r2.LocalSize())
	assert.Equal(t, int64(5), r2.BytesInUse())

	require.NoError(t, r2.Delete("k", partition.BucketID(3)))
	assert.Equal(t, 0, r1.LocalSize())

	a, err := r1.Advisor().BucketOwners(3)
	require.NoError(t, err)
	assert.Equal(t, cluster.MemberID("m2"), a.Primary)
	assert.Equal(t, []cluster.MemberID{"m2"}, r1.Advisor().AdviseDataStore())
}

func TestColocation(t *testing.T) {
	dir := NewDirectory(zerolog.Nop())
	m1 := newTestCache(t, dir, "m1", "")
	m2 := newTestCache(t, dir, "m2", "")

	for _, c := range []*Cache{m1, m2} {
		_, err := c.CreateRegion("orders", bucketAttrs(Partition, 6, 0))
		require.NoError(t, err)
	}

	child := bucketAttrs(Partition, 6, 0)
	child.Partition.ColocatedWith = "/orders"
	grandchild := bucketAttrs(Partition, 6, 0)
	grandchild.Partition.ColocatedWith = "orders.items"

	for _, c := range []*Cache{m1, m2} {
		_, err := c.CreateRegion("orders.items", child)
		require.NoError(t, err)
		_, err = c.CreateRegion("orders.items.parts", grandchild)
		require.NoError(t, err)
	}

	for _, c := range []*Cache{m1, m2} {
		base := c.Region("orders").LocalPrimaryBuckets()
		assert.Equal(t, base, c.Region("orders.items").LocalPrimaryBuckets())
		assert.Equal(t, base, c.Region("orders.items.parts").LocalPrimaryBuckets())
	}

	t.Run("bucket count must match", func(t *testing.T) {
		bad := bucketAttrs(Partition, 7, 0)
		bad.Partition.ColocatedWith = "orders"
		_, err := m1.CreateRegion("orders.bad", bad)
		assert.Error(t, err)
	})

	t.Run("data store child needs a data store parent", func(t *testing.T) {
		m3 := newTestCache(t, dir, "m3", "")
		_, err := m3.CreateRegion("orders", bucketAttrs(PartitionProxy, 6, 0))
		require.NoError(t, err)
		_, err = m3.CreateRegion("orders.items", child)
		assert.Error(t, err)

		proxyChild := child
		proxyChild.Shortcut = PartitionProxy
		_, err = m3.CreateRegion("orders.items", proxyChild)
		assert.NoError(t, err)
	})
}

func TestColocatedCopiesWaitForLateOwner(t *testing.T) {
	dir := NewDirectory(zerolog.Nop())
	m1 := newTestCache(t, dir, "m1", "")
	m2 := newTestCache(t, dir, "m2", "")

	child := bucketAttrs(Partition, 4, 0)
	child.Partition.ColocatedWith = "orders"

	_, err := m1.CreateRegion("orders", bucketAttrs(Partition, 4, 0))
	require.NoError(t, err)
	items, err := m1.CreateRegion("orders.items", child)
	require.NoError(t, err)
	require.NoError(t, items.Put("k", []byte("v"), partition.BucketID(1)))

	// m2 owns bucket 1 now but has no orders.items yet
	_, err = m2.CreateRegion("orders", bucketAttrs(Partition, 4, 0))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, items.LocalBuckets())
	v, err := items.Get("k", partition.BucketID(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	late, err := m2.CreateRegion("orders.items", child)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, items.LocalBuckets())
	assert.Equal(t, []int{1, 3}, late.LocalBuckets())
	v, err = late.Get("k", partition.BucketID(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestDestroyRegion(t *testing.T) {
	dir := NewDirectory(zerolog.Nop())
	m1 := newTestCache(t, dir, "m1", "")
	m2 := newTestCache(t, dir, "m2", "")

	for _, c := range []*Cache{m1, m2} {
		_, err := c.CreateRegion("orders", bucketAttrs(Partition, 4, 0))
		require.NoError(t, err)
		child := bucketAttrs(Partition, 4, 0)
		child.Partition.ColocatedWith = "orders"
		_, err = c.CreateRegion("orders.items", child)
		require.NoError(t, err)
	}
	base := m1.Region("orders")
	items := m1.Region("orders.items")
	require.NoError(t, items.Put("k", []byte("v"), partition.BucketID(1)))

	err := base.Destroy()
	assert.Equal(t, ErrColocatedChildren, errors.Cause(err))
	assert.False(t, base.IsDestroyed())

	remote := m2.Region("orders.items")
	require.NoError(t, items.Destroy())
	assert.True(t, items.IsDestroyed())
	assert.True(t, remote.IsDestroyed())
	assert.Nil(t, m1.Region("orders.items"))
	assert.Nil(t, m2.Region("orders.items"))

	err = remote.Put("k", []byte("v"), partition.BucketID(1))
	assert.Equal(t, ErrRegionDestroyed, errors.Cause(err))
	err = remote.Destroy()
	assert.Equal(t, ErrRegionDestroyed, errors.Cause(err))

	require.NoError(t, base.Destroy())
	assert.Empty(t, dir.Regions())
}

func TestPartitionListenerEvents(t *testing.T) {
	dir := NewDirectory(zerolog.Nop())
	m1 := newTestCache(t, dir, "m1", "")
	m2 := newTestCache(t, dir, "m2", "")

	l1 := &recordingListener{}
	attrs := bucketAttrs(Partition, 4, 0)
	attrs.Partition.Listeners = []PartitionListener{l1}
	r1, err := m1.CreateRegion("orders", attrs)
	require.NoError(t, err)
	require.NoError(t, r1.Put("k", []byte("v"), partition.BucketID(1)))

	assert.Eventually(t, func() bool {
		primary, _, _ := l1.snapshot()
		return len(primary) == 4
	}, time.Second, 5*time.Millisecond)

	l2 := &recordingListener{}
	attrs2 := bucketAttrs(Partition, 4, 0)
	attrs2.Partition.Listeners = []PartitionListener{l2}
	r2, err := m2.CreateRegion("orders", attrs2)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, _, removed := l1.snapshot()
		primary, _, _ := l2.snapshot()
		return len(removed) == 2 && len(primary) == 2
	}, time.Second, 5*time.Millisecond)

	_, _, removed := l1.snapshot()
	assert.ElementsMatch(t, []int{1, 3}, removed)
	assert.Equal(t, []int{0, 2}, r1.LocalBuckets())

	v, err := r2.Get("k", partition.BucketID(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, []string{"k"}, r2.BucketKeys(1))
}

func TestPromotionOnMemberLeave(t *testing.T) {
	dir := NewDirectory(zerolog.Nop())
	m1 := newTestCache(t, dir, "m1", "")
	m2, err := NewCache("m2", dir, zerolog.Nop(), CacheOptions{})
	require.NoError(t, err)

	l1 := &recordingListener{}
	attrs := bucketAttrs(Partition, 2, 1)
	attrs.Partition.Listeners = []PartitionListener{l1}
	r1, err := m1.CreateRegion("orders", attrs)
	require.NoError(t, err)
	r2, err := m2.CreateRegion("orders", bucketAttrs(Partition, 2, 1))
	require.NoError(t, err)
	require.NoError(t, r2.Put("k", []byte("v"), partition.BucketID(1)))

	assert.Eventually(t, func() bool {
		_, secondary, _ := l1.snapshot()
		return len(secondary) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m2.Close())
	assert.True(t, r2.IsDestroyed())
	assert.Equal(t, ErrCacheClosed, r2.Put("x", nil, partition.BucketID(0)))

	assert.Eventually(t, func() bool {
		primary, _, _ := l1.snapshot()
		return len(primary) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 1}, r1.LocalPrimaryBuckets())

	v, err := r1.Get("k", partition.BucketID(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestMemberDeparted(t *testing.T) {
	dir := NewDirectory(zerolog.Nop())
	m1 := newTestCache(t, dir, "m1", "")
	m2 := newTestCache(t, dir, "m2", "")

	r1, err := m1.CreateRegion("orders", bucketAttrs(Partition, 2, 0))
	require.NoError(t, err)
	_, err = m2.CreateRegion("orders", bucketAttrs(Partition, 2, 0))
	require.NoError(t, err)
	require.NoError(t, r1.Put("k", []byte("v"), partition.BucketID(1)))

	dir.MemberDeparted("m2")
	dir.MemberDeparted("m2")

	assert.Equal(t, []cluster.MemberID{"m1"}, dir.Members())
	assert.Nil(t, m2.Region("orders"))
	assert.Equal(t, []int{0, 1}, r1.LocalPrimaryBuckets())
	v, err := r1.Get("k", partition.BucketID(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestPersistentRegionRecovers(t *testing.T) {
	diskDir := t.TempDir()

	dir := NewDirectory(zerolog.Nop())
	c, err := NewCache("m1", dir, zerolog.Nop(), CacheOptions{DiskDir: diskDir})
	require.NoError(t, err)
	attrs := bucketAttrs(PartitionPersistent, 3, 0)
	attrs.DiskStoreName = "orders-store"
	r, err := c.CreateRegion("orders", attrs)
	require.NoError(t, err)
	assert.True(t, r.Attributes().Persistent())
	require.NoError(t, r.Put("k", []byte("durable"), partition.BucketID(2)))
	require.NoError(t, c.Close())

	dir = NewDirectory(zerolog.Nop())
	c = newTestCache(t, dir, "m1", diskDir)
	r, err = c.CreateRegion("orders", attrs)
	require.NoError(t, err)

	v, err := r.Get("k", partition.BucketID(2))
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), v)
}

func TestAsyncEventQueue(t *testing.T) {
	dir := NewDirectory(zerolog.Nop())
	c := newTestCache(t, dir, "m1", "")

	listener := &recordingQueueListener{}
	q, err := c.CreateAsyncEventQueue("orders-index", listener, QueueOptions{BatchSize: 2})
	require.NoError(t, err)
	_, err = c.CreateAsyncEventQueue("orders-index", listener, QueueOptions{})
	assert.Equal(t, ErrQueueExists, errors.Cause(err))

	attrs := bucketAttrs(Partition, 4, 0)
	attrs.AsyncEventQueueIDs = []string{"orders-index"}
	r, err := c.CreateRegion("orders", attrs)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Put("k", []byte{byte(i)}, partition.BucketID(i%4)))
	}
	require.NoError(t, r.Delete("k", partition.BucketID(0)))

	assert.Eventually(t, func() bool { return listener.count() == 6 && q.Idle() }, time.Second, 5*time.Millisecond)

	err = q.Destroy()
	assert.Equal(t, ErrQueueRunning, errors.Cause(err))

	r.AttributesMutator().RemoveAsyncEventQueueID("orders-index")
	assert.Empty(t, r.Attributes().AsyncEventQueueIDs)
	r.AttributesMutator().AddAsyncEventQueueID("orders-index")
	r.AttributesMutator().AddAsyncEventQueueID("orders-index")
	assert.Equal(t, []string{"orders-index"}, r.Attributes().AsyncEventQueueIDs)

	q.Stop()
	q.Stop()
	assert.True(t, q.IsStopped())
	require.NoError(t, r.Put("k", []byte("late"), partition.BucketID(0)))
	assert.Equal(t, 0, q.Size())

	require.NoError(t, q.Destroy())
	assert.Nil(t, c.AsyncEventQueue("orders-index"))
}

func TestExtensions(t *testing.T) {
	dir := NewDirectory(zerolog.Nop())
	c := newTestCache(t, dir, "m1", "")
	r, err := c.CreateRegion("orders", bucketAttrs(Partition, 1, 0))
	require.NoError(t, err)

	r.AddExtension("index", 42)
	assert.Equal(t, 42, r.Extension("index"))
	assert.True(t, r.RemoveExtension("index"))
	assert.False(t, r.RemoveExtension("index"))
	assert.Nil(t, r.Extension("index"))
}

func TestClosedCache(t *testing.T) {
	dir := NewDirectory(zerolog.Nop())
	c, err := NewCache("m1", dir, zerolog.Nop(), CacheOptions{})
	require.NoError(t, err)
	_, err = NewCache("m1", dir, zerolog.Nop(), CacheOptions{})
	assert.Error(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.CreateRegion("orders", Attributes{})
	assert.Equal(t, ErrCacheClosed, err)
	_, err = c.CreateAsyncEventQueue("q", &recordingQueueListener{}, QueueOptions{})
	assert.Equal(t, ErrCacheClosed, err)
	assert.Empty(t, dir.Members())
}

type failingStore struct {
	*storage.MemoryStore
}

func (failingStore) Drop() error { return errors.New("disk gone") }

func TestCloseLogsBucketDropFailure(t *testing.T) {
	var out bytes.Buffer
	dir := NewDirectory(zerolog.Nop())
	c, err := NewCache("m1", dir, zerolog.New(&out), CacheOptions{})
	require.NoError(t, err)

	r, err := c.CreateRegion("orders", bucketAttrs(Partition, 2, 0))
	require.NoError(t, err)
	r.addBucket(bucket.New(1, true, failingStore{storage.NewMemoryStore()}))

	require.NoError(t, c.Close())
	assert.Contains(t, out.String(), "failed to drop bucket")
	assert.Contains(t, out.String(), "disk gone")
}
