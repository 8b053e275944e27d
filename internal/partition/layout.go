package partition

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// FixedPartition declares a named partition owning NumBuckets consecutive
// buckets.
type FixedPartition struct {
	Name       string
	NumBuckets int
}

// BucketRange is the half-open bucket interval [Start, Start+Count).
type BucketRange struct {
	Start int
	Count int
}

// Contains reports whether bucket falls inside the range.
func (r BucketRange) Contains(bucket int) bool {
	return bucket >= r.Start && bucket < r.Start+r.Count
}

// Layout assigns bucket ranges to fixed partitions in declaration order.
type Layout struct {
	names  []string
	ranges map[string]BucketRange
}

// NewLayout lays the partitions out back to back starting at bucket 0. The
// partitions must cover exactly totalBuckets buckets.
func NewLayout(partitions []FixedPartition, totalBuckets int) (Layout, error) {
	l := Layout{ranges: make(map[string]BucketRange, len(partitions))}
	next := 0
	for _, p := range partitions {
		if p.Name == "" || p.NumBuckets <= 0 {
			return Layout{}, errors.Errorf("invalid fixed partition %+v", p)
		}
		if _, dup := l.ranges[p.Name]; dup {
			return Layout{}, errors.Errorf("duplicate fixed partition %q", p.Name)
		}
		l.ranges[p.Name] = BucketRange{Start: next, Count: p.NumBuckets}
		l.names = append(l.names, p.Name)
		next += p.NumBuckets
	}
	if len(partitions) > 0 && next != totalBuckets {
		return Layout{}, errors.Errorf("fixed partitions cover %d buckets, region has %d", next, totalBuckets)
	}
	return l, nil
}

// Empty reports whether the layout declares no partitions.
func (l Layout) Empty() bool { return len(l.names) == 0 }

// Range returns the bucket range of the named partition.
func (l Layout) Range(name string) (BucketRange, bool) {
	r, ok := l.ranges[name]
	return r, ok
}

// PartitionOf returns the partition that owns bucket.
func (l Layout) PartitionOf(bucket int) (string, bool) {
	for _, name := range l.names {
		if l.ranges[name].Contains(bucket) {
			return name, true
		}
	}
	return "", false
}

// Names returns the partition names in declaration order.
func (l Layout) Names() []string {
	return append([]string(nil), l.names...)
}

// Hash hashes a routing object. A BucketID hashes to itself.
func Hash(routing any) uint64 {
	switch v := routing.(type) {
	case BucketID:
		return uint64(v)
	case string:
		return xxhash.Sum64String(v)
	case []byte:
		return xxhash.Sum64(v)
	case fmt.Stringer:
		return xxhash.Sum64String(v.String())
	default:
		return xxhash.Sum64String(fmt.Sprint(v))
	}
}

// BucketFor maps a routing object onto one of total buckets.
func BucketFor(routing any, total int) int {
	if total <= 0 {
		return 0
	}
	return int(Hash(routing) % uint64(total))
}

// BucketInRange maps a routing object into the given range. A BucketID
// already inside the range is returned unchanged.
func BucketInRange(routing any, r BucketRange) int {
	if id, ok := routing.(BucketID); ok && r.Contains(int(id)) {
		return int(id)
	}
	return r.Start + int(Hash(routing)%uint64(r.Count))
}

// Resolve computes the bucket of a keyed operation for a region with total
// buckets. layout is the fixed partition layout of the region's colocation
// leader and is only consulted for fixed resolvers.
func Resolve(r Resolver, info KeyInfo, total int, layout Layout) (int, error) {
	if r == nil {
		r = HashResolver{}
	}
	routing := r.RoutingObject(info)
	if IsBucketTargeting(r) {
		id, ok := routing.(BucketID)
		if !ok {
			return 0, errors.Errorf("key %q: %s resolver needs a target bucket", info.Key, r.Name())
		}
		if int(id) < 0 || int(id) >= total {
			return 0, errors.Errorf("key %q: target bucket %d out of range [0, %d)", info.Key, id, total)
		}
	}
	fixed, ok := r.(FixedResolver)
	if !ok || layout.Empty() {
		return BucketFor(routing, total), nil
	}
	name, err := fixed.PartitionName(info, layout)
	if err != nil {
		return 0, err
	}
	rng, _ := layout.Range(name)
	return BucketInRange(routing, rng), nil
}
