package index

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dreamware/shardex/internal/filesystem"
	"github.com/dreamware/shardex/internal/messaging"
	"github.com/dreamware/shardex/internal/partition"
	"github.com/dreamware/shardex/internal/region"
)

// Lifecycle is the storage lifecycle of an index on one member.
type Lifecycle interface {
	// CreateStorage provisions the index storage and starts its update
	// pipeline.
	CreateStorage(ctx context.Context) error
	// TeardownStorage stops the update pipeline and destroys the index
	// storage. The initiator also tears the index down on the other members.
	TeardownStorage(ctx context.Context, initiator bool) error
	// DescribeStorage returns a snapshot of the local storage.
	DescribeStorage() StorageDescription
}

// Repositories is what an index needs from its repository manager: bucket
// transitions, the update pipeline's events, and closing.
type Repositories interface {
	RepositoryManager
	region.EventListener
	Close()
}

// StorageDescription is a snapshot of an index's storage on one member.
type StorageDescription struct {
	ID             IndexID         `json:"id"`
	UniqueName     string          `json:"uniqueName"`
	FilesRegion    string          `json:"filesRegion"`
	ChunksRegion   string          `json:"chunksRegion"`
	Shortcut       region.Shortcut `json:"shortcut"`
	Resolver       string          `json:"resolver"`
	PrimaryBuckets []int           `json:"primaryBuckets"`
	Fields         []string        `json:"fields,omitempty"`
	Buckets        int             `json:"buckets"`
	Redundancy     int             `json:"redundancy"`
	Files          int             `json:"files"`
	Chunks         int             `json:"chunks"`
	Bytes          int64           `json:"bytes"`
	QueueSize      int             `json:"queueSize"`
	Destroyed      bool            `json:"destroyed"`
}

// PartitionedIndex is the Lifecycle of an index on a partitioned region.
type PartitionedIndex struct {
	base        *region.Region
	cache       *region.Cache
	repos       Repositories
	registerer  prometheus.Registerer
	stats       *filesystem.Stats
	provisioner *Provisioner
	coordinator *Coordinator
	files       *region.Region
	chunks      *region.Region
	logger      zerolog.Logger
	def         Definition
	id          IndexID
	mu          sync.Mutex
	destroyed   bool
}

var _ Lifecycle = (*PartitionedIndex)(nil)

func newPartitionedIndex(def Definition, base *region.Region, cache *region.Cache, dm *messaging.Manager, repos Repositories, registerer prometheus.Registerer, logger zerolog.Logger) *PartitionedIndex {
	id := NewIndexID(def.Name, def.RegionPath)
	logger = logger.With().Str("index", id.Name).Str("region", id.RegionPath).Logger()
	stats := filesystem.NewStats(id.String(), string(cache.Member()))
	return &PartitionedIndex{
		id:          id,
		def:         def,
		base:        base,
		cache:       cache,
		repos:       repos,
		registerer:  registerer,
		stats:       stats,
		provisioner: NewProvisioner(id, cache, stats, NewBucketRelay(id, repos), logger),
		coordinator: NewCoordinator(id, dm, logger),
		logger:      logger,
	}
}

// ID returns the index id.
func (x *PartitionedIndex) ID() IndexID { return x.id }

// Definition returns the definition the index was created from.
func (x *PartitionedIndex) Definition() Definition { return x.def }

// Stats returns the file system statistics of the index.
func (x *PartitionedIndex) Stats() *filesystem.Stats { return x.stats }

// Repositories returns the repository manager of the index.
func (x *PartitionedIndex) Repositories() Repositories { return x.repos }

func extensionKey(id IndexID) string { return "index:" + id.UniqueName() }

// CreateStorage provisions the files and chunks regions, starts the async
// event queue fed by the base region and registers the statistics.
func (x *PartitionedIndex) CreateStorage(ctx context.Context) error {
	files, chunks, err := x.provisioner.Provision(ctx, x.base)
	if err != nil {
		return err
	}
	x.mu.Lock()
	x.files, x.chunks = files, chunks
	x.mu.Unlock()

	queueID := x.id.UniqueName()
	if x.cache.AsyncEventQueue(queueID) == nil {
		if _, err := x.cache.CreateAsyncEventQueue(queueID, x.repos, region.QueueOptions{}); err != nil {
			return errors.Wrapf(err, "create queue %s", queueID)
		}
	}
	x.base.AttributesMutator().AddAsyncEventQueueID(queueID)
	x.base.AddExtension(extensionKey(x.id), x)

	if x.registerer != nil {
		if err := x.stats.Register(x.registerer); err != nil {
			if _, dup := err.(prometheus.AlreadyRegisteredError); !dup {
				return errors.Wrap(err, "register index statistics")
			}
		}
	}
	x.logger.Debug().Str("files", files.Name()).Str("chunks", chunks.Name()).Msg("created index storage")
	return nil
}

// TeardownStorage removes the index from the base region, stops and
// destroys its queue, then destroys the chunks and files regions in that
// order. A region already destroyed by another member is skipped. When
// initiator is set the other data store members are asked to do the same.
func (x *PartitionedIndex) TeardownStorage(ctx context.Context, initiator bool) error {
	x.logger.Debug().Bool("initiator", initiator).Msg("destroying index")

	x.base.RemoveExtension(extensionKey(x.id))

	if err := x.destroyQueue(); err != nil {
		return err
	}

	x.mu.Lock()
	files, chunks := x.files, x.chunks
	x.destroyed = true
	x.mu.Unlock()

	if err := destroyRegion(chunks); err != nil {
		return err
	}
	x.logger.Debug().Str("region", x.id.ChunksRegion()).Msg("destroyed chunks region")
	if err := destroyRegion(files); err != nil {
		return err
	}
	x.logger.Debug().Str("region", x.id.FilesRegion()).Msg("destroyed files region")

	if x.registerer != nil {
		x.stats.Unregister(x.registerer)
	}
	x.repos.Close()

	if initiator {
		if err := x.coordinator.DestroyOnRemoteMembers(ctx, x.base); err != nil {
			return err
		}
	}
	x.logger.Debug().Bool("initiator", initiator).Msg("destroyed index")
	return nil
}

func (x *PartitionedIndex) destroyQueue() error {
	queueID := x.id.UniqueName()
	q := x.cache.AsyncEventQueue(queueID)
	if q == nil {
		return nil
	}
	q.Stop()
	// the base region may already be gone if another member destroyed it
	if !x.base.IsDestroyed() {
		x.base.AttributesMutator().RemoveAsyncEventQueueID(queueID)
	}
	if err := q.Destroy(); err != nil {
		return errors.Wrapf(err, "destroy queue %s", queueID)
	}
	x.logger.Debug().Str("queue", queueID).Msg("destroyed queue")
	return nil
}

func destroyRegion(r *region.Region) error {
	if r == nil || r.IsDestroyed() {
		return nil
	}
	err := r.Destroy()
	if err == nil || errors.Cause(err) == region.ErrRegionDestroyed {
		return nil
	}
	return errors.Wrapf(err, "destroy region %s", r.Name())
}

// DescribeStorage returns a snapshot of the local index storage.
func (x *PartitionedIndex) DescribeStorage() StorageDescription {
	plan := PlanFor(x.base.Attributes(), x.base.FullPath())
	d := StorageDescription{
		ID:           x.id,
		UniqueName:   x.id.UniqueName(),
		FilesRegion:  x.id.FilesRegion(),
		ChunksRegion: x.id.ChunksRegion(),
		Shortcut:     plan.Shortcut,
		Resolver:     partition.Kind(plan.Resolver),
		Fields:       x.def.Fields,
		Buckets:      plan.TotalNumBuckets,
		Redundancy:   plan.RedundantCopies,
		Files:        x.stats.Files(),
		Chunks:       x.stats.Chunks(),
		Bytes:        x.stats.Bytes(),
	}
	x.mu.Lock()
	d.Destroyed = x.destroyed
	chunks := x.chunks
	x.mu.Unlock()
	if chunks != nil && !chunks.IsDestroyed() {
		d.PrimaryBuckets = chunks.LocalPrimaryBuckets()
	}
	if q := x.cache.AsyncEventQueue(x.id.UniqueName()); q != nil {
		d.QueueSize = q.Size()
	}
	return d
}

// DumpFiles writes the files of every bucket this member is primary for
// under dir/<bucket>/.
func (x *PartitionedIndex) DumpFiles(dir string) error {
	x.mu.Lock()
	files, chunks := x.files, x.chunks
	x.mu.Unlock()
	if files == nil || files.IsDestroyed() || chunks.IsDestroyed() {
		return errors.Wrapf(region.ErrRegionDestroyed, "index %s", x.id.UniqueName())
	}

	for _, bucketID := range chunks.LocalPrimaryBuckets() {
		fs := filesystem.New(files, chunks, bucketID)
		bucketDir := filepath.Join(dir, strconv.Itoa(bucketID))
		for _, name := range fs.ListFiles() {
			data, err := fs.ReadFile(name)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(bucketDir, 0o755); err != nil {
				return errors.Wrapf(err, "create %s", bucketDir)
			}
			path := filepath.Join(bucketDir, url.PathEscape(name))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return errors.Wrapf(err, "write %s", path)
			}
		}
	}
	return nil
}
