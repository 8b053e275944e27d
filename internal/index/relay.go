package index

import "github.com/dreamware/shardex/internal/region"

// RepositoryManager opens and closes the per-bucket repositories of the
// indexes hosted by a member.
type RepositoryManager interface {
	BucketPrimary(id IndexID, bucketID int)
	BucketSecondary(id IndexID, bucketID int)
}

// BucketRelay forwards the bucket transitions of an index's chunks region
// to the repository manager.
type BucketRelay struct {
	manager RepositoryManager
	id      IndexID
}

var _ region.PartitionListener = (*BucketRelay)(nil)

// NewBucketRelay returns the relay of index id.
func NewBucketRelay(id IndexID, manager RepositoryManager) *BucketRelay {
	return &BucketRelay{id: id, manager: manager}
}

// AfterPrimary opens the repository of bucketID.
func (r *BucketRelay) AfterPrimary(bucketID int) {
	r.manager.BucketPrimary(r.id, bucketID)
}

// AfterSecondary closes the repository of bucketID.
func (r *BucketRelay) AfterSecondary(bucketID int) {
	r.manager.BucketSecondary(r.id, bucketID)
}

// AfterBucketRemoved is relayed as a loss of primary.
func (r *BucketRelay) AfterBucketRemoved(bucketID int) {
	r.manager.BucketSecondary(r.id, bucketID)
}
