// Package region implements the partitioned region runtime shared by the
// members of an in-process cluster.
//
// Each member opens a Cache attached to a common Directory. A region is
// registered cluster-wide the first time a member creates it; every later
// member adds its own handle, either as a data store holding buckets or as
// a proxy forwarding every operation.
//
// # Buckets and Colocation
//
// A region's keys are spread over a fixed number of buckets by its
// partition.Resolver. Regions colocated with another region share the
// BucketRegistry of their colocation root, so bucket N of every region in
// the group always lives on the same members:
//
//	orders (root)          bucket 5 → [m2 primary, m3]
//	orders.items           bucket 5 → [m2 primary, m3]
//	orders.items.parts     bucket 5 → [m2 primary, m3]
//
// When data stores join or leave, the registry is rebalanced round-robin.
// New copies are filled from an existing copy before old copies are
// dropped, and every transition is reported to the region's
// PartitionListeners on a dedicated event goroutine.
//
// # Destroy
//
// Region.Destroy is region-wide: it drops the region on every member. A
// region cannot be destroyed while regions colocated with it are alive.
//
// # Async Event Queues
//
// Writes applied by a bucket's primary member are handed to the
// AsyncEventQueues attached to the region on that member. A queue's worker
// goroutine delivers them in batches to an EventListener until the queue
// is stopped.
package region
