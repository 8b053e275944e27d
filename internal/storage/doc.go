// Package storage provides the per-bucket key-value stores that back
// partitioned regions.
//
// # Implementations
//
// MemoryStore: in-memory storage guarded by a sync.RWMutex
//   - Used by regions created with the Partition shortcut
//   - Values are copied on the way in and out
//   - Keeps a running byte total so Stats is O(1)
//
// BoltStore: one bolt bucket inside a member's DiskStore file
//   - Used by regions created with the PartitionPersistent shortcut
//   - Every region bucket gets its own bolt bucket named "<region>/<id>"
//   - Entries survive a member restart
//
// Regions created with the PartitionProxy shortcut hold no buckets locally and
// therefore never open a store.
//
// # Thread Safety
//
// All Store implementations are safe for concurrent use. Drop releases a store
// for good; later writes fail with ErrClosed.
package storage
