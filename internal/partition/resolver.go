// Package partition maps keys to buckets for partitioned regions.
//
// A region routes every operation through a Resolver. The resolver turns the
// key (and the optional callback argument supplied with the operation) into a
// routing object, and the routing object is hashed onto one of the region's
// buckets. Regions that use fixed partitions additionally ask a FixedResolver
// for the name of the partition the key belongs to, and the hash is taken
// within that partition's bucket range only.
//
// Index storage regions never hash their own keys. They use one of the
// bucket-targeting variants, whose routing object is the BucketID carried in
// the callback argument, so that an entry written on behalf of bucket N of the
// indexed region lands in bucket N of the index regions.
package partition

import (
	"github.com/pkg/errors"
)

// BucketID addresses a bucket directly. When a resolver returns a BucketID as
// the routing object no hashing takes place.
type BucketID int

// KeyInfo describes one keyed operation as seen by a resolver.
type KeyInfo struct {
	Key         string
	CallbackArg any
}

// Resolver maps a keyed operation to a routing object.
type Resolver interface {
	Name() string
	RoutingObject(info KeyInfo) any
}

// FixedResolver is implemented by resolvers of regions that use explicitly
// named partitions.
type FixedResolver interface {
	Resolver
	PartitionName(info KeyInfo, layout Layout) (string, error)
}

// ErrNoPartition is returned when no fixed partition can be found for a key.
var ErrNoPartition = errors.New("no fixed partition for key")

// HashResolver routes by the key itself. It is the resolver a region gets
// when none is configured.
type HashResolver struct{}

// Name returns "hash".
func (HashResolver) Name() string { return "hash" }

// RoutingObject returns the key.
func (HashResolver) RoutingObject(info KeyInfo) any { return info.Key }

// FixedPartitionResolver routes by key and names the fixed partition through
// a user supplied function.
type FixedPartitionResolver struct {
	Partition func(key string) string
}

// Name returns "fixed".
func (FixedPartitionResolver) Name() string { return "fixed" }

// RoutingObject returns the key.
func (FixedPartitionResolver) RoutingObject(info KeyInfo) any { return info.Key }

// PartitionName asks Partition for the key's partition and checks that the
// layout knows it.
func (r FixedPartitionResolver) PartitionName(info KeyInfo, layout Layout) (string, error) {
	if r.Partition == nil {
		return "", errors.Wrapf(ErrNoPartition, "key %q", info.Key)
	}
	name := r.Partition(info.Key)
	if _, ok := layout.Range(name); !ok {
		return "", errors.Wrapf(ErrNoPartition, "key %q names unknown partition %q", info.Key, name)
	}
	return name, nil
}

// BucketTargetingResolver routes by the BucketID passed as callback argument.
type BucketTargetingResolver struct{}

// Name returns "bucket-targeting".
func (BucketTargetingResolver) Name() string { return "bucket-targeting" }

// RoutingObject returns the target BucketID, or the key when none is given.
func (BucketTargetingResolver) RoutingObject(info KeyInfo) any {
	return bucketArg(info)
}

// BucketTargetingFixedResolver is the bucket-targeting variant for regions
// colocated with a fixed-partitioned region. The partition name is found by
// locating the target bucket inside the colocation leader's layout.
type BucketTargetingFixedResolver struct{}

// Name returns "bucket-targeting-fixed".
func (BucketTargetingFixedResolver) Name() string { return "bucket-targeting-fixed" }

// RoutingObject returns the target BucketID, or the key when none is given.
func (BucketTargetingFixedResolver) RoutingObject(info KeyInfo) any {
	return bucketArg(info)
}

// PartitionName returns the fixed partition containing the target bucket.
func (BucketTargetingFixedResolver) PartitionName(info KeyInfo, layout Layout) (string, error) {
	id, ok := info.CallbackArg.(BucketID)
	if !ok {
		return "", errors.Wrapf(ErrNoPartition, "key %q has no target bucket", info.Key)
	}
	if name, ok := layout.PartitionOf(int(id)); ok {
		return name, nil
	}
	return "", errors.Wrapf(ErrNoPartition, "bucket %d is outside every partition", id)
}

func bucketArg(info KeyInfo) any {
	if id, ok := info.CallbackArg.(BucketID); ok {
		return id
	}
	// Without a target bucket the key is the best we can do; the region
	// rejects such writes for bucket-targeted regions anyway.
	return info.Key
}

// SelectResolver returns the resolver that derived index regions must use so
// that a key targeting bucket N of the base region maps to bucket N of the
// derived regions.
func SelectResolver(base Resolver) Resolver {
	if _, ok := base.(FixedResolver); ok {
		return BucketTargetingFixedResolver{}
	}
	return BucketTargetingResolver{}
}

// IsBucketTargeting reports whether r routes by target bucket.
func IsBucketTargeting(r Resolver) bool {
	switch r.(type) {
	case BucketTargetingResolver, BucketTargetingFixedResolver:
		return true
	}
	return false
}

// Kind names the resolver for diagnostics; a nil resolver is the hash default.
func Kind(r Resolver) string {
	if r == nil {
		return HashResolver{}.Name()
	}
	return r.Name()
}
