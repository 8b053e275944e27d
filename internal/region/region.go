package region

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardex/internal/bucket"
	"github.com/dreamware/shardex/internal/cluster"
	"github.com/dreamware/shardex/internal/storage"
)

// Region is one member's handle on a partitioned region. Keyed operations
// are routed to the members holding the target bucket, so any handle can
// read and write the whole region.
type Region struct {
	cache      *Cache
	events     *eventLoop
	buckets    map[int]*bucket.Bucket
	fresh      map[int]struct{}
	extensions map[string]any
	name       string
	attrs      Attributes
	mu         sync.RWMutex
	destroyed  atomic.Bool
}

func newRegion(c *Cache, name string, attrs Attributes) *Region {
	return &Region{
		cache:      c,
		name:       name,
		attrs:      attrs,
		buckets:    make(map[int]*bucket.Bucket),
		fresh:      make(map[int]struct{}),
		extensions: make(map[string]any),
		events:     newEventLoop(),
	}
}

// Name returns the region name without the leading separator.
func (r *Region) Name() string { return r.name }

// FullPath returns the region path, "/" followed by the name.
func (r *Region) FullPath() string { return Path(r.name) }

// Member returns the member owning this handle.
func (r *Region) Member() cluster.MemberID { return r.cache.member }

// Attributes returns a snapshot of the region attributes.
func (r *Region) Attributes() Attributes {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a := r.attrs
	a.AsyncEventQueueIDs = append([]string(nil), r.attrs.AsyncEventQueueIDs...)
	return a
}

// IsDestroyed reports whether the region was destroyed or its cache closed.
func (r *Region) IsDestroyed() bool { return r.destroyed.Load() }

func (r *Region) dataStore() bool { return r.attrs.Shortcut.DataStore() }

func (r *Region) check() error {
	if r.cache.isClosed() {
		return ErrCacheClosed
	}
	if r.IsDestroyed() {
		return errors.Wrapf(ErrRegionDestroyed, "region %s", r.name)
	}
	return nil
}

// Put stores value under key. callbackArg is handed to the partition
// resolver; bucket-targeted regions expect a partition.BucketID.
func (r *Region) Put(key string, value []byte, callbackArg any) error {
	if err := r.check(); err != nil {
		return err
	}
	d := r.cache.dir
	d.mu.RLock()
	defer d.mu.RUnlock()

	bucketID, owners, err := d.route(r.name, key, callbackArg)
	if err != nil {
		return err
	}
	for _, o := range owners {
		if err := o.localBucket(bucketID).Put(key, value); err != nil {
			return errors.Wrapf(err, "put %s into %s bucket %d on %s", key, r.name, bucketID, o.Member())
		}
	}
	owners[0].dispatch(Event{Op: OpUpdate, Region: r.name, Key: key, Value: value, Bucket: bucketID})
	return nil
}

// Get returns the value stored under key, read from the primary copy.
func (r *Region) Get(key string, callbackArg any) ([]byte, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	d := r.cache.dir
	d.mu.RLock()
	defer d.mu.RUnlock()

	bucketID, owners, err := d.route(r.name, key, callbackArg)
	if err != nil {
		return nil, err
	}
	return owners[0].localBucket(bucketID).Get(key)
}

// Delete removes key from every copy of its bucket.
func (r *Region) Delete(key string, callbackArg any) error {
	if err := r.check(); err != nil {
		return err
	}
	d := r.cache.dir
	d.mu.RLock()
	defer d.mu.RUnlock()

	bucketID, owners, err := d.route(r.name, key, callbackArg)
	if err != nil {
		return err
	}
	for _, o := range owners {
		if err := o.localBucket(bucketID).Delete(key); err != nil {
			return errors.Wrapf(err, "delete %s from %s bucket %d on %s", key, r.name, bucketID, o.Member())
		}
	}
	owners[0].dispatch(Event{Op: OpDestroy, Region: r.name, Key: key, Bucket: bucketID})
	return nil
}

// LocalSize returns the number of entries held by this member, redundant
// copies included.
func (r *Region) LocalSize() int {
	return r.localStats().Keys
}

// BytesInUse returns the value bytes held by this member.
func (r *Region) BytesInUse() int64 {
	return int64(r.localStats().Bytes)
}

func (r *Region) localStats() storage.StoreStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats storage.StoreStats
	for _, b := range r.buckets {
		stats = stats.Add(b.Stats())
	}
	return stats
}

// LocalBuckets returns the ids of the buckets held by this member, sorted.
func (r *Region) LocalBuckets() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.buckets))
	for id := range r.buckets {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// LocalPrimaryBuckets returns the ids of the buckets this member is primary
// for, sorted.
func (r *Region) LocalPrimaryBuckets() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []int
	for id, b := range r.buckets {
		if b.IsPrimary() {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// IsPrimary reports whether this member is primary for bucketID.
func (r *Region) IsPrimary(bucketID int) bool {
	b := r.localBucket(bucketID)
	return b != nil && b.IsPrimary()
}

// BucketKeys returns the keys of a local bucket, sorted. It returns nil if
// the member does not hold the bucket.
func (r *Region) BucketKeys(bucketID int) []string {
	b := r.localBucket(bucketID)
	if b == nil {
		return nil
	}
	return b.Keys()
}

// BucketInfo describes the local copies, ordered by bucket.
func (r *Region) BucketInfo() []bucket.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]bucket.Info, 0, len(r.buckets))
	for _, b := range r.buckets {
		infos = append(infos, b.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Destroy destroys the region on every member. It fails with
// ErrColocatedChildren while regions colocated with it are alive and with
// ErrRegionDestroyed if another member destroyed it first.
func (r *Region) Destroy() error {
	if r.cache.isClosed() {
		return ErrCacheClosed
	}
	return r.cache.dir.destroyRegion(r.name)
}

// AddExtension attaches a value to the local handle under key.
func (r *Region) AddExtension(key string, ext any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions[key] = ext
}

// Extension returns the value attached under key, or nil.
func (r *Region) Extension(key string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.extensions[key]
}

// RemoveExtension detaches the value under key and reports whether one was
// attached.
func (r *Region) RemoveExtension(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.extensions[key]
	delete(r.extensions, key)
	return ok
}

// AttributesMutator returns the mutator for the local handle's attributes.
func (r *Region) AttributesMutator() *AttributesMutator {
	return &AttributesMutator{r: r}
}

// Advisor returns the advisor answering placement questions for the region.
func (r *Region) Advisor() *Advisor {
	return &Advisor{r: r}
}

// AttributesMutator changes the mutable attributes of a region handle.
type AttributesMutator struct {
	r *Region
}

// AddAsyncEventQueueID attaches a queue; writes for which this member is
// primary are then delivered to it.
func (m *AttributesMutator) AddAsyncEventQueueID(id string) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	if !slices.Contains(m.r.attrs.AsyncEventQueueIDs, id) {
		m.r.attrs.AsyncEventQueueIDs = append(m.r.attrs.AsyncEventQueueIDs, id)
	}
}

// RemoveAsyncEventQueueID detaches a queue.
func (m *AttributesMutator) RemoveAsyncEventQueueID(id string) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	if i := slices.Index(m.r.attrs.AsyncEventQueueIDs, id); i >= 0 {
		m.r.attrs.AsyncEventQueueIDs = slices.Delete(m.r.attrs.AsyncEventQueueIDs, i, i+1)
	}
}

// Advisor answers which members host a region.
type Advisor struct {
	r *Region
}

// AdviseDataStore returns the other members hosting buckets of the region,
// sorted.
func (a *Advisor) AdviseDataStore() []cluster.MemberID {
	return a.r.cache.dir.dataStores(a.r.name, a.r.Member())
}

// BucketOwners returns the current assignment of a bucket.
func (a *Advisor) BucketOwners(bucketID int) (BucketAssignment, error) {
	return a.r.cache.dir.bucketOwners(a.r.name, bucketID)
}

func (r *Region) localBucket(id int) *bucket.Bucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buckets[id]
}

func (r *Region) newBucket(id int) (*bucket.Bucket, error) {
	if !r.attrs.Persistent() {
		return bucket.New(id, false, storage.NewMemoryStore()), nil
	}
	disk, err := r.cache.diskStore(r.attrs.DiskStoreName)
	if err != nil {
		return nil, err
	}
	store, err := disk.Bucket(r.name, id)
	if err != nil {
		return nil, err
	}
	return bucket.New(id, false, store), nil
}

func (r *Region) addBucket(b *bucket.Bucket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets[b.ID] = b
	r.fresh[b.ID] = struct{}{}
}

// applyAssignments sets the role of every local copy and drops the copies
// no longer assigned here, posting the matching listener events. Copies of
// pending buckets are kept.
func (r *Region) applyAssignments(assignments []BucketAssignment, pending map[int]bool) {
	member := r.Member()
	byBucket := make(map[int]BucketAssignment, len(assignments))
	for _, a := range assignments {
		byBucket[a.BucketID] = a
	}

	r.mu.Lock()
	ids := make([]int, 0, len(r.buckets))
	for id := range r.buckets {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var removed []*bucket.Bucket
	for _, id := range ids {
		b := r.buckets[id]
		a, ok := byBucket[id]
		if !ok || !a.Hosts(member) {
			if ok && pending[id] {
				continue
			}
			delete(r.buckets, id)
			delete(r.fresh, id)
			removed = append(removed, b)
			r.post(func(l PartitionListener) { l.AfterBucketRemoved(id) })
			continue
		}
		_, isNew := r.fresh[id]
		delete(r.fresh, id)
		primary := a.Primary == member
		if !b.SetPrimary(primary) && !isNew {
			continue
		}
		if primary {
			r.post(func(l PartitionListener) { l.AfterPrimary(id) })
		} else {
			r.post(func(l PartitionListener) { l.AfterSecondary(id) })
		}
	}
	r.mu.Unlock()

	for _, b := range removed {
		if err := b.Destroy(); err != nil {
			r.cache.logger.Error().Err(err).Str("region", r.name).Int("bucket", b.ID).Msg("failed to drop bucket")
		}
	}
}

// post queues a listener callback on the event goroutine. The caller holds
// r.mu.
func (r *Region) post(fn func(PartitionListener)) {
	listeners := r.attrs.Partition.Listeners
	if len(listeners) == 0 {
		return
	}
	r.events.post(func() {
		for _, l := range listeners {
			fn(l)
		}
	})
}

// dispatch hands a write to the queues attached to this handle.
func (r *Region) dispatch(ev Event) {
	r.mu.RLock()
	ids := r.attrs.AsyncEventQueueIDs
	r.mu.RUnlock()
	for _, id := range ids {
		if q := r.cache.AsyncEventQueue(id); q != nil {
			q.enqueue(ev)
		}
	}
}

// destroyLocal drops every local copy once the region was destroyed
// cluster-wide.
func (r *Region) destroyLocal() {
	r.destroyed.Store(true)
	r.mu.Lock()
	buckets := r.buckets
	r.buckets = make(map[int]*bucket.Bucket)
	r.fresh = make(map[int]struct{})
	r.mu.Unlock()

	for _, b := range buckets {
		if err := b.Destroy(); err != nil {
			r.cache.logger.Error().Err(err).Str("region", r.name).Int("bucket", b.ID).Msg("failed to drop bucket")
		}
	}
	r.cache.removeRegion(r)
	r.events.close()
}

// release detaches the handle when its member leaves. Persistent copies keep
// their data on disk.
func (r *Region) release() {
	r.destroyed.Store(true)
	r.mu.Lock()
	buckets := r.buckets
	r.buckets = make(map[int]*bucket.Bucket)
	r.fresh = make(map[int]struct{})
	r.mu.Unlock()

	for _, b := range buckets {
		if r.attrs.Persistent() {
			b.SetState(bucket.StateDestroyed)
			continue
		}
		if err := b.Destroy(); err != nil {
			r.cache.logger.Error().Err(err).Str("region", r.name).Int("bucket", b.ID).Msg("failed to drop bucket")
		}
	}
	r.cache.removeRegion(r)
	r.events.close()
}
