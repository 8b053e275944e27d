package region

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dreamware/shardex/internal/cluster"
	"github.com/dreamware/shardex/internal/storage"
)

// CacheOptions configure a member cache.
type CacheOptions struct {
	// DiskDir holds the disk stores of persistent regions. Each member uses
	// its own subdirectory.
	DiskDir string
}

// Cache is a member's view of the cluster regions together with the async
// event queues and disk stores it owns.
type Cache struct {
	dir       *Directory
	regions   map[string]*Region
	queues    map[string]*AsyncEventQueue
	disks     map[string]*storage.DiskStore
	logger    zerolog.Logger
	member    cluster.MemberID
	diskDir   string
	mu        sync.RWMutex
	closeOnce sync.Once
	closed    bool
}

// NewCache opens the cache of member and attaches it to dir.
func NewCache(member cluster.MemberID, dir *Directory, logger zerolog.Logger, opts CacheOptions) (*Cache, error) {
	c := &Cache{
		dir:     dir,
		member:  member,
		regions: make(map[string]*Region),
		queues:  make(map[string]*AsyncEventQueue),
		disks:   make(map[string]*storage.DiskStore),
		logger:  logger.With().Str("component", "cache").Str("member", string(member)).Logger(),
	}
	if opts.DiskDir != "" {
		c.diskDir = filepath.Join(opts.DiskDir, string(member))
	}
	if err := dir.attach(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Member returns the id of the owning member.
func (c *Cache) Member() cluster.MemberID { return c.member }

// Directory returns the cluster directory the cache is attached to.
func (c *Cache) Directory() *Directory { return c.dir }

// Region returns the live region handle for name, or nil.
func (c *Cache) Region(name string) *Region {
	c.mu.RLock()
	r := c.regions[Name(name)]
	c.mu.RUnlock()
	if r == nil || r.IsDestroyed() {
		return nil
	}
	return r
}

// Regions returns the live region handles sorted by name.
func (c *Cache) Regions() []*Region {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Region, 0, len(c.regions))
	for _, r := range c.regions {
		if !r.IsDestroyed() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// CreateRegion creates the local handle of a region, registering the region
// cluster-wide on first creation. It fails with ErrRegionExists if this
// member already hosts it.
func (c *Cache) CreateRegion(name string, attrs Attributes) (*Region, error) {
	name = Name(name)
	if name == "" {
		return nil, errors.New("region name is empty")
	}
	if c.isClosed() {
		return nil, ErrCacheClosed
	}
	attrs, err := attrs.normalize()
	if err != nil {
		return nil, errors.Wrapf(err, "region %s", name)
	}
	if attrs.Persistent() && c.diskDir == "" {
		return nil, errors.Errorf("region %s is persistent but the cache has no disk directory", name)
	}
	if c.Region(name) != nil {
		return nil, errors.Wrapf(ErrRegionExists, "region %s", name)
	}
	return c.dir.register(c, name, attrs)
}

// CreateAsyncEventQueue creates and starts a queue delivering to listener.
func (c *Cache) CreateAsyncEventQueue(id string, listener EventListener, opts QueueOptions) (*AsyncEventQueue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCacheClosed
	}
	if _, ok := c.queues[id]; ok {
		return nil, errors.Wrapf(ErrQueueExists, "queue %s", id)
	}
	q := newAsyncEventQueue(c, id, listener, opts)
	c.queues[id] = q
	return q, nil
}

// AsyncEventQueue returns the queue with the given id, or nil.
func (c *Cache) AsyncEventQueue(id string) *AsyncEventQueue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queues[id]
}

// Close leaves the cluster, handing the member's buckets to the remaining
// data stores, then stops the queues and closes the disk stores.
func (c *Cache) Close() error {
	c.markClosed()
	c.dir.removeMember(c.member)

	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		queues := make([]*AsyncEventQueue, 0, len(c.queues))
		for _, q := range c.queues {
			queues = append(queues, q)
		}
		c.queues = make(map[string]*AsyncEventQueue)
		disks := c.disks
		c.disks = make(map[string]*storage.DiskStore)
		c.mu.Unlock()

		for _, q := range queues {
			q.Stop()
		}
		for name, d := range disks {
			if cerr := d.Close(); cerr != nil && err == nil {
				err = errors.Wrapf(cerr, "close disk store %s", name)
			}
		}
		c.logger.Info().Msg("cache closed")
	})
	return err
}

func (c *Cache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Cache) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Cache) addRegion(r *Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regions[r.name] = r
}

func (c *Cache) removeRegion(r *Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.regions[r.name] == r {
		delete(c.regions, r.name)
	}
}

func (c *Cache) removeQueue(q *AsyncEventQueue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queues[q.id] == q {
		delete(c.queues, q.id)
	}
}

func (c *Cache) diskStore(name string) (*storage.DiskStore, error) {
	if name == "" {
		name = "DEFAULT"
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.disks[name]; ok {
		return d, nil
	}
	d, err := storage.OpenDiskStore(c.diskDir, name)
	if err != nil {
		return nil, err
	}
	c.disks[name] = d
	return d, nil
}
