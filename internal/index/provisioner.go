package index

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dreamware/shardex/internal/filesystem"
	"github.com/dreamware/shardex/internal/region"
)

// Provisioner creates the files and chunks regions backing an index.
type Provisioner struct {
	cache  *region.Cache
	stats  *filesystem.Stats
	relay  region.PartitionListener
	logger zerolog.Logger
	id     IndexID
}

// NewProvisioner returns the provisioner of index id. relay is attached to
// the chunks region when this member creates it.
func NewProvisioner(id IndexID, cache *region.Cache, stats *filesystem.Stats, relay region.PartitionListener, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		id:     id,
		cache:  cache,
		stats:  stats,
		relay:  relay,
		logger: logger,
	}
}

// Provision returns the files and chunks regions of the index, creating
// them on this member if they do not exist yet. Both are colocated with
// base, use its bucket count and redundancy, and target buckets through the
// resolver picked from base's resolver. Calling Provision again returns the
// existing handles.
func (p *Provisioner) Provision(ctx context.Context, base *region.Region) (*region.Region, *region.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	attrs := base.Attributes()

	filesName := p.id.FilesRegion()
	files, err := p.createIfMissing(filesName, PlanFor(attrs, base.FullPath()).Attributes())
	if err != nil {
		return nil, nil, err
	}

	chunksName := p.id.ChunksRegion()
	chunks, err := p.createIfMissing(chunksName, PlanFor(attrs, filesName).Attributes(p.relay))
	if err != nil {
		return nil, nil, err
	}

	p.stats.SetFileSupplier(func() int { return p.localSize(filesName) })
	p.stats.SetChunkSupplier(func() int { return p.localSize(chunksName) })
	p.stats.SetBytesSupplier(func() int64 {
		if r := p.cache.Region(chunksName); r != nil {
			return r.BytesInUse()
		}
		return 0
	})
	return files, chunks, nil
}

func (p *Provisioner) createIfMissing(name string, attrs region.Attributes) (*region.Region, error) {
	if r := p.cache.Region(name); r != nil {
		return r, nil
	}
	r, err := p.cache.CreateRegion(name, attrs)
	if errors.Cause(err) == region.ErrRegionExists {
		// lost a creation race on this member
		if r := p.cache.Region(name); r != nil {
			return r, nil
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "create index region %s", name)
	}
	p.logger.Debug().
		Str("region", name).
		Str("shortcut", string(attrs.Shortcut)).
		Str("colocated_with", attrs.Partition.ColocatedWith).
		Msg("created index region")
	return r, nil
}

func (p *Provisioner) localSize(name string) int {
	if r := p.cache.Region(name); r != nil {
		return r.LocalSize()
	}
	return 0
}
