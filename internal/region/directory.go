package region

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dreamware/shardex/internal/bucket"
	"github.com/dreamware/shardex/internal/cluster"
	"github.com/dreamware/shardex/internal/partition"
)

// Directory is the cluster-wide region metadata shared by every member's
// cache: which member hosts which region, how buckets of each colocation
// group are assigned, and region-wide destroy.
//
// Lock order is Directory, then Region, then Cache.
type Directory struct {
	logger  zerolog.Logger
	caches  map[cluster.MemberID]*Cache
	regions map[string]*regionEntry
	mu      sync.RWMutex
}

type regionEntry struct {
	attrs     Attributes
	layout    partition.Layout
	parent    *regionEntry
	children  map[string]*regionEntry
	instances map[cluster.MemberID]*Region
	// registry is only set on the colocation root.
	registry *BucketRegistry
	name     string
}

func (e *regionEntry) root() *regionEntry {
	for e.parent != nil {
		e = e.parent
	}
	return e
}

// group returns e and its transitive colocated children, parents first.
func (e *regionEntry) group() []*regionEntry {
	out := []*regionEntry{e}
	for i := 0; i < len(out); i++ {
		names := make([]string, 0, len(out[i].children))
		for name := range out[i].children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, out[i].children[name])
		}
	}
	return out
}

func (e *regionEntry) members() []cluster.MemberID {
	ids := make([]cluster.MemberID, 0, len(e.instances))
	for id := range e.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NewDirectory creates an empty directory.
func NewDirectory(logger zerolog.Logger) *Directory {
	return &Directory{
		logger:  logger.With().Str("component", "region-directory").Logger(),
		caches:  make(map[cluster.MemberID]*Cache),
		regions: make(map[string]*regionEntry),
	}
}

// Members returns the members with an open cache, sorted.
func (d *Directory) Members() []cluster.MemberID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]cluster.MemberID, 0, len(d.caches))
	for id := range d.caches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Regions returns the names of the live regions, sorted.
func (d *Directory) Regions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.regions))
	for name := range d.regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Assignments returns the bucket assignments of a region's colocation group.
func (d *Directory) Assignments(name string) ([]BucketAssignment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.regions[Name(name)]
	if !ok {
		return nil, errors.Wrapf(ErrRegionDestroyed, "region %s", name)
	}
	return e.root().registry.Assignments(), nil
}

// MemberDeparted removes a member that left the cluster without closing its
// cache. Its buckets are reassigned to the remaining data stores.
func (d *Directory) MemberDeparted(id cluster.MemberID) {
	d.mu.RLock()
	c, ok := d.caches[id]
	d.mu.RUnlock()
	if !ok {
		return
	}
	c.markClosed()
	d.removeMember(id)
}

func (d *Directory) attach(c *Cache) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.caches[c.member]; ok {
		return errors.Errorf("member %s already has a cache", c.member)
	}
	d.caches[c.member] = c
	return nil
}

func (d *Directory) register(c *Cache, name string, attrs Attributes) (*Region, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.caches[c.member]; !ok {
		return nil, ErrCacheClosed
	}

	p := attrs.Partition
	var parent *regionEntry
	if p.ColocatedWith != "" {
		parent = d.regions[p.ColocatedWith]
		if parent == nil {
			return nil, errors.Errorf("region %s is colocated with missing region %s", name, p.ColocatedWith)
		}
		if parent.attrs.Partition.TotalNumBuckets != p.TotalNumBuckets {
			return nil, errors.Errorf("region %s has %d buckets, colocated region %s has %d",
				name, p.TotalNumBuckets, parent.name, parent.attrs.Partition.TotalNumBuckets)
		}
		if attrs.Shortcut.DataStore() {
			host := parent.instances[c.member]
			if host == nil || !host.dataStore() {
				return nil, errors.Errorf("member %s must host %s as a data store before %s",
					c.member, parent.name, name)
			}
		}
	}

	e := d.regions[name]
	if e != nil {
		if _, ok := e.instances[c.member]; ok {
			return nil, errors.Wrapf(ErrRegionExists, "region %s", name)
		}
		if e.attrs.Partition.TotalNumBuckets != p.TotalNumBuckets || e.attrs.Partition.ColocatedWith != p.ColocatedWith {
			return nil, errors.Errorf("region %s: partition attributes differ from the existing definition", name)
		}
	} else {
		e = &regionEntry{
			name:      name,
			attrs:     attrs,
			parent:    parent,
			children:  make(map[string]*regionEntry),
			instances: make(map[cluster.MemberID]*Region),
		}
		if parent != nil {
			e.layout = parent.layout
		} else {
			layout, err := partition.NewLayout(p.FixedPartitions, p.TotalNumBuckets)
			if err != nil {
				return nil, errors.Wrapf(err, "region %s", name)
			}
			e.layout = layout
			e.registry = NewBucketRegistry(p.TotalNumBuckets, p.RedundantCopies)
		}
	}

	r := newRegion(c, name, attrs)
	if e.parent != nil {
		e.parent.children[name] = e
	}
	d.regions[name] = e
	e.instances[c.member] = r
	c.addRegion(r)

	root := e.root()
	if r.dataStore() && root.registry.AddDataStore(c.member) {
		root.registry.Rebalance()
	}
	d.reconcile(root, "")

	d.logger.Debug().
		Str("region", name).
		Str("member", string(c.member)).
		Str("shortcut", string(attrs.Shortcut)).
		Msg("region registered")
	return r, nil
}

// reconcile makes every data store instance of the colocation group hold
// exactly the buckets the registry assigns to it. New copies are filled
// from an existing copy before any copy is removed. Instances of leaving
// are skipped so that they can still serve as copy sources.
func (d *Directory) reconcile(root *regionEntry, leaving cluster.MemberID) {
	assignments := root.registry.Assignments()
	for _, e := range root.group() {
		for _, id := range e.members() {
			r := e.instances[id]
			if id == leaving || !r.dataStore() || r.IsDestroyed() {
				continue
			}
			for _, a := range assignments {
				if !a.Hosts(id) || r.localBucket(a.BucketID) != nil {
					continue
				}
				b, err := r.newBucket(a.BucketID)
				if err != nil {
					d.logger.Error().Err(err).Str("region", e.name).Int("bucket", a.BucketID).Msg("failed to create bucket")
					continue
				}
				if src := e.copySource(a.BucketID, id); src != nil {
					if err := src.CopyTo(b); err != nil {
						d.logger.Error().Err(err).Str("region", e.name).Int("bucket", a.BucketID).Msg("failed to copy bucket")
					}
				}
				r.addBucket(b)
			}
		}
		pending := e.uncovered(assignments, leaving)
		for _, id := range e.members() {
			r := e.instances[id]
			if id == leaving || !r.dataStore() || r.IsDestroyed() {
				continue
			}
			r.applyAssignments(assignments, pending)
		}
	}
}

// uncovered returns the buckets with an assigned owner that does not hold
// a copy in this region yet. Existing copies of those buckets are kept
// until the owner creates its instance.
func (e *regionEntry) uncovered(assignments []BucketAssignment, leaving cluster.MemberID) map[int]bool {
	pending := make(map[int]bool)
	for _, a := range assignments {
		for _, id := range a.Owners() {
			r := e.instances[id]
			if id == leaving || r == nil || !r.dataStore() || r.localBucket(a.BucketID) == nil {
				pending[a.BucketID] = true
				break
			}
		}
	}
	return pending
}

// copySource returns a copy of bucketID held by a member other than except,
// preferring the primary copy.
func (e *regionEntry) copySource(bucketID int, except cluster.MemberID) *bucket.Bucket {
	var found *bucket.Bucket
	for _, id := range e.members() {
		if id == except {
			continue
		}
		b := e.instances[id].localBucket(bucketID)
		if b == nil {
			continue
		}
		if b.IsPrimary() {
			return b
		}
		if found == nil {
			found = b
		}
	}
	return found
}

func (d *Directory) removeMember(id cluster.MemberID) {
	d.mu.Lock()
	if _, ok := d.caches[id]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.caches, id)

	names := make([]string, 0, len(d.regions))
	for name := range d.regions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := d.regions[name]
		if e.registry != nil && e.registry.RemoveDataStore(id) {
			e.registry.Rebalance()
			d.reconcile(e, id)
		}
	}
	var released []*Region
	for _, name := range names {
		e := d.regions[name]
		if r, ok := e.instances[id]; ok {
			delete(e.instances, id)
			released = append(released, r)
		}
	}
	d.mu.Unlock()

	for _, r := range released {
		r.release()
	}
	d.logger.Info().Str("member", string(id)).Int("regions", len(released)).Msg("member removed")
}

func (d *Directory) destroyRegion(name string) error {
	d.mu.Lock()
	e, ok := d.regions[name]
	if !ok {
		d.mu.Unlock()
		return errors.Wrapf(ErrRegionDestroyed, "region %s", name)
	}
	if len(e.children) > 0 {
		children := make([]string, 0, len(e.children))
		for child := range e.children {
			children = append(children, child)
		}
		sort.Strings(children)
		d.mu.Unlock()
		return errors.Wrapf(ErrColocatedChildren, "region %s is colocated with %v", name, children)
	}
	delete(d.regions, name)
	if e.parent != nil {
		delete(e.parent.children, name)
	}
	instances := make([]*Region, 0, len(e.instances))
	for _, id := range e.members() {
		r := e.instances[id]
		r.destroyed.Store(true)
		instances = append(instances, r)
	}
	d.mu.Unlock()

	for _, r := range instances {
		r.destroyLocal()
	}
	d.logger.Info().Str("region", name).Int("members", len(instances)).Msg("region destroyed")
	return nil
}

// route resolves the bucket of a keyed operation and returns the local
// instances holding a copy, primary first. The caller holds d.mu.
func (d *Directory) route(name, key string, callbackArg any) (int, []*Region, error) {
	e, ok := d.regions[name]
	if !ok {
		return 0, nil, errors.Wrapf(ErrRegionDestroyed, "region %s", name)
	}
	p := e.attrs.Partition
	bucketID, err := partition.Resolve(p.Resolver, partition.KeyInfo{Key: key, CallbackArg: callbackArg}, p.TotalNumBuckets, e.layout)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "region %s", name)
	}
	a, err := e.root().registry.Assignment(bucketID)
	if err != nil {
		return 0, nil, err
	}
	var owners []*Region
	for _, id := range a.Owners() {
		if r := e.instances[id]; r != nil && r.localBucket(bucketID) != nil {
			owners = append(owners, r)
		}
	}
	if len(owners) == 0 {
		// an owner that has not created this region yet
		for _, id := range e.members() {
			if r := e.instances[id]; r.localBucket(bucketID) != nil {
				owners = append(owners, r)
			}
		}
	}
	if len(owners) == 0 {
		return bucketID, nil, errors.Wrapf(ErrNoDataStore, "region %s bucket %d", name, bucketID)
	}
	return bucketID, owners, nil
}

func (d *Directory) dataStores(name string, except cluster.MemberID) []cluster.MemberID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.regions[name]
	if !ok {
		return nil
	}
	var ids []cluster.MemberID
	for _, id := range e.members() {
		r := e.instances[id]
		if id != except && r.dataStore() && !r.IsDestroyed() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (d *Directory) bucketOwners(name string, bucketID int) (BucketAssignment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.regions[name]
	if !ok {
		return BucketAssignment{}, errors.Wrapf(ErrRegionDestroyed, "region %s", name)
	}
	return e.root().registry.Assignment(bucketID)
}
