package index

import (
	"github.com/dreamware/shardex/internal/partition"
	"github.com/dreamware/shardex/internal/region"
)

// ProvisioningPlan describes one derived index region. It is computed from
// the base region's attributes only.
type ProvisioningPlan struct {
	Resolver        partition.Resolver
	Shortcut        region.Shortcut
	ColocatedWith   string
	DiskStoreName   string
	TotalNumBuckets int
	RedundantCopies int
	// LocalMaxMemory follows the base region; zero on proxies.
	LocalMaxMemory int
}

// StorageShortcut picks the shortcut of the derived regions: a proxy when
// the member holds no base data, persistent storage when the base region is
// persistent, in-memory partitioning otherwise.
func StorageShortcut(base region.Attributes) region.Shortcut {
	switch {
	case base.Partition.LocalMaxMemory <= 0:
		return region.PartitionProxy
	case base.Persistent():
		return region.PartitionPersistent
	default:
		return region.Partition
	}
}

// PlanFor returns the plan of a derived region colocated with colocatedWith.
func PlanFor(base region.Attributes, colocatedWith string) ProvisioningPlan {
	shortcut := StorageShortcut(base)
	localMaxMemory := base.Partition.LocalMaxMemory
	if shortcut == region.PartitionProxy {
		localMaxMemory = 0
	}
	return ProvisioningPlan{
		Shortcut:        shortcut,
		LocalMaxMemory:  localMaxMemory,
		ColocatedWith:   colocatedWith,
		TotalNumBuckets: base.Partition.TotalNumBuckets,
		RedundantCopies: base.Partition.RedundantCopies,
		Resolver:        partition.SelectResolver(base.Partition.Resolver),
		DiskStoreName:   base.DiskStoreName,
	}
}

// Attributes returns the region attributes realizing the plan.
func (p ProvisioningPlan) Attributes(listeners ...region.PartitionListener) region.Attributes {
	return region.Attributes{
		Shortcut:      p.Shortcut,
		DiskStoreName: p.DiskStoreName,
		Partition: region.PartitionAttributes{
			TotalNumBuckets: p.TotalNumBuckets,
			RedundantCopies: p.RedundantCopies,
			LocalMaxMemory:  p.LocalMaxMemory,
			Resolver:        p.Resolver,
			ColocatedWith:   p.ColocatedWith,
			Listeners:       listeners,
		},
	}
}
