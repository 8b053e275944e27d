package region

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/dreamware/shardex/internal/partition"
)

// Shortcut names a predefined storage configuration for a partitioned region.
type Shortcut string

const (
	// PartitionProxy regions hold no buckets; every operation is forwarded to
	// the members that do.
	PartitionProxy Shortcut = "PARTITION_PROXY"
	// Partition regions keep their buckets in memory.
	Partition Shortcut = "PARTITION"
	// PartitionPersistent regions keep their buckets in the member's disk store.
	PartitionPersistent Shortcut = "PARTITION_PERSISTENT"
)

// DefaultLocalMaxMemory is the configured local max memory of data store
// regions, in megabytes.
const DefaultLocalMaxMemory = 100

// DefaultTotalNumBuckets is applied when a region is created without a
// bucket count.
const DefaultTotalNumBuckets = 113

var (
	// ErrRegionExists is returned when creating a region whose name is taken.
	ErrRegionExists = errors.New("region already exists")
	// ErrRegionDestroyed is returned by operations on a destroyed region.
	ErrRegionDestroyed = errors.New("region destroyed")
	// ErrColocatedChildren is returned when destroying a region that still
	// has live colocated children.
	ErrColocatedChildren = errors.New("region has colocated children")
	// ErrNoDataStore is returned when no member hosts buckets for a region.
	ErrNoDataStore = errors.New("no data store hosts the region")
	// ErrCacheClosed is returned by operations on a closed cache.
	ErrCacheClosed = errors.New("cache closed")
)

// DataStore reports whether regions with this shortcut host buckets.
func (s Shortcut) DataStore() bool { return s == Partition || s == PartitionPersistent }

// Persistent reports whether regions with this shortcut write to disk.
func (s Shortcut) Persistent() bool { return s == PartitionPersistent }

func (s Shortcut) valid() bool {
	return s == PartitionProxy || s == Partition || s == PartitionPersistent
}

// PartitionListener observes bucket transitions of the local member.
// Callbacks run on the region's event goroutine.
type PartitionListener interface {
	// AfterPrimary runs once the local member became primary for bucketID.
	AfterPrimary(bucketID int)
	// AfterSecondary runs once the local member stopped being primary for
	// bucketID but still hosts a copy.
	AfterSecondary(bucketID int)
	// AfterBucketRemoved runs once the local copy of bucketID is gone.
	AfterBucketRemoved(bucketID int)
}

// PartitionAttributes controls how a region is partitioned.
type PartitionAttributes struct {
	TotalNumBuckets int
	RedundantCopies int
	// LocalMaxMemory in megabytes; zero or less means the member hosts no data.
	LocalMaxMemory  int
	Resolver        partition.Resolver
	FixedPartitions []partition.FixedPartition
	// ColocatedWith names the region whose buckets this region follows.
	ColocatedWith string
	Listeners     []PartitionListener
}

// Attributes describe a region.
type Attributes struct {
	Shortcut           Shortcut
	DiskStoreName      string
	Partition          PartitionAttributes
	AsyncEventQueueIDs []string
}

// Persistent reports whether the region writes its buckets to disk.
func (a Attributes) Persistent() bool { return a.Shortcut.Persistent() }

// normalize applies the shortcut defaults. A member with no local max memory
// holds no data, so its region becomes a proxy.
func (a Attributes) normalize() (Attributes, error) {
	if a.Shortcut == "" {
		a.Shortcut = Partition
	}
	if !a.Shortcut.valid() {
		return a, errors.Errorf("unknown region shortcut %q", a.Shortcut)
	}
	p := &a.Partition
	if p.TotalNumBuckets <= 0 {
		p.TotalNumBuckets = DefaultTotalNumBuckets
	}
	if p.RedundantCopies < 0 || p.RedundantCopies > 3 {
		return a, errors.Errorf("redundant copies must be in [0, 3], got %d", p.RedundantCopies)
	}
	if p.LocalMaxMemory <= 0 {
		a.Shortcut = PartitionProxy
	}
	if a.Shortcut == PartitionProxy {
		p.LocalMaxMemory = 0
	}
	if p.Resolver == nil {
		p.Resolver = partition.HashResolver{}
	}
	p.ColocatedWith = Name(p.ColocatedWith)
	a.AsyncEventQueueIDs = append([]string(nil), a.AsyncEventQueueIDs...)
	p.Listeners = append([]PartitionListener(nil), p.Listeners...)
	p.FixedPartitions = append([]partition.FixedPartition(nil), p.FixedPartitions...)
	return a, nil
}

// Name strips the leading separator of a region path.
func Name(path string) string {
	return strings.TrimPrefix(path, "/")
}

// Path returns the full path of a region name.
func Path(name string) string {
	if name == "" {
		return ""
	}
	return "/" + Name(name)
}
