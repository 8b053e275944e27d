package region

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardex/internal/cluster"
)

// BucketAssignment records which members host a bucket, tracking the primary
// copy and its redundant copies.
//
// The assignment model ensures:
//   - Every bucket of a region with at least one data store has exactly one primary
//   - Redundant copies live on members other than the primary
//   - All regions colocated with the same root share one assignment, so
//     corresponding buckets always live on the same members
type BucketAssignment struct {
	// Primary is the member that applies writes first and serves reads.
	Primary cluster.MemberID `json:"primary"`

	// Secondaries hold redundant copies, at most RedundantCopies of them and
	// fewer when the cluster has fewer data stores.
	Secondaries []cluster.MemberID `json:"secondaries,omitempty"`

	// BucketID is the bucket identifier in [0, numBuckets).
	BucketID int `json:"bucketId"`
}

// Owners returns the primary followed by the secondaries.
func (a BucketAssignment) Owners() []cluster.MemberID {
	if a.Primary == "" {
		return nil
	}
	return append([]cluster.MemberID{a.Primary}, a.Secondaries...)
}

// Hosts reports whether id holds any copy of the bucket.
func (a BucketAssignment) Hosts(id cluster.MemberID) bool {
	return a.Primary == id || slices.Contains(a.Secondaries, id)
}

func (a BucketAssignment) clone() BucketAssignment {
	a.Secondaries = append([]cluster.MemberID(nil), a.Secondaries...)
	return a
}

// BucketRegistry manages bucket-to-member assignments for one colocation
// root region, serving as the authoritative source for data placement.
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│         BucketRegistry              │
//	├─────────────────────────────────────┤
//	│  assignments: bucket → owners       │
//	│  dataStores: hosting members        │
//	│  redundancy: copies per bucket      │
//	├─────────────────────────────────────┤
//	│  Key → Resolver → Bucket → Members  │
//	│  "order:7" → 0x1a2b → 5 → [m2, m3]  │
//	└─────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned data is copied to prevent races
type BucketRegistry struct {
	// assignments maps bucket ids to their current owners.
	// Empty while no data store hosts the region.
	assignments map[int]*BucketAssignment

	// dataStores lists the members hosting buckets, in join order.
	dataStores []cluster.MemberID

	mu sync.RWMutex

	// numBuckets is fixed at registry creation.
	numBuckets int

	// redundancy is the number of copies kept besides the primary.
	redundancy int
}

// NewBucketRegistry creates a registry for numBuckets buckets keeping
// redundancy extra copies of each.
func NewBucketRegistry(numBuckets, redundancy int) *BucketRegistry {
	return &BucketRegistry{
		assignments: make(map[int]*BucketAssignment),
		numBuckets:  numBuckets,
		redundancy:  redundancy,
	}
}

// AddDataStore records that id hosts buckets. It reports false if id was
// already known. Assignments do not change until Rebalance.
func (r *BucketRegistry) AddDataStore(id cluster.MemberID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.Contains(r.dataStores, id) {
		return false
	}
	r.dataStores = append(r.dataStores, id)
	return true
}

// RemoveDataStore forgets id. It reports false if id was unknown.
func (r *BucketRegistry) RemoveDataStore(id cluster.MemberID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.Index(r.dataStores, id)
	if i < 0 {
		return false
	}
	r.dataStores = slices.Delete(r.dataStores, i, i+1)
	return true
}

// DataStores returns the hosting members in join order.
func (r *BucketRegistry) DataStores() []cluster.MemberID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]cluster.MemberID(nil), r.dataStores...)
}

// Rebalance redistributes buckets across the data stores round-robin:
// bucket i goes to dataStores[i % n] as primary and to the following members
// as redundant copies. It returns the previous assignments.
func (r *BucketRegistry) Rebalance() map[int]BucketAssignment {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := make(map[int]BucketAssignment, len(r.assignments))
	for id, a := range r.assignments {
		previous[id] = a.clone()
	}

	n := len(r.dataStores)
	r.assignments = make(map[int]*BucketAssignment, r.numBuckets)
	if n == 0 {
		return previous
	}
	copies := r.redundancy
	if copies > n-1 {
		copies = n - 1
	}
	for bucketID := 0; bucketID < r.numBuckets; bucketID++ {
		a := &BucketAssignment{BucketID: bucketID, Primary: r.dataStores[bucketID%n]}
		for c := 1; c <= copies; c++ {
			a.Secondaries = append(a.Secondaries, r.dataStores[(bucketID+c)%n])
		}
		r.assignments[bucketID] = a
	}
	return previous
}

// Assignment returns a copy of the assignment of a bucket.
func (r *BucketRegistry) Assignment(bucketID int) (BucketAssignment, error) {
	if bucketID < 0 || bucketID >= r.numBuckets {
		return BucketAssignment{}, fmt.Errorf("invalid bucket ID %d, must be in range [0, %d)", bucketID, r.numBuckets)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assignments[bucketID]
	if !ok {
		return BucketAssignment{BucketID: bucketID}, nil
	}
	return a.clone(), nil
}

// Assignments returns copies of all assignments ordered by bucket.
func (r *BucketRegistry) Assignments() []BucketAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BucketAssignment, 0, len(r.assignments))
	for bucketID := 0; bucketID < r.numBuckets; bucketID++ {
		if a, ok := r.assignments[bucketID]; ok {
			out = append(out, a.clone())
		}
	}
	return out
}

// MemberBuckets returns the buckets a member hosts, split by role.
func (r *BucketRegistry) MemberBuckets(id cluster.MemberID) (primaries, secondaries []int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for bucketID := 0; bucketID < r.numBuckets; bucketID++ {
		a, ok := r.assignments[bucketID]
		if !ok {
			continue
		}
		switch {
		case a.Primary == id:
			primaries = append(primaries, bucketID)
		case slices.Contains(a.Secondaries, id):
			secondaries = append(secondaries, bucketID)
		}
	}
	return primaries, secondaries
}

// NumBuckets returns the total number of buckets.
func (r *BucketRegistry) NumBuckets() int {
	return r.numBuckets
}

// Redundancy returns the configured number of redundant copies.
func (r *BucketRegistry) Redundancy() int {
	return r.redundancy
}
