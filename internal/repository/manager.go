package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dreamware/shardex/internal/filesystem"
	"github.com/dreamware/shardex/internal/index"
	"github.com/dreamware/shardex/internal/region"
)

// ErrNotProvisioned is returned while the index regions do not exist on
// the member.
var ErrNotProvisioned = errors.New("index storage not provisioned")

// Manager keeps the repositories of the buckets an index is primary for on
// one member. It also consumes the index's async event queue.
type Manager struct {
	cache  *region.Cache
	repos  map[int]*Repository
	logger zerolog.Logger
	fields []string
	id     index.IndexID
	mu     sync.Mutex
	closed bool
}

var _ index.Repositories = (*Manager)(nil)

// NewManager returns the repository manager of index id.
func NewManager(id index.IndexID, fields []string, cache *region.Cache, logger zerolog.Logger) *Manager {
	return &Manager{
		id:     id,
		fields: append([]string(nil), fields...),
		cache:  cache,
		repos:  make(map[int]*Repository),
		logger: logger.With().Str("component", "repository").Str("index", id.UniqueName()).Logger(),
	}
}

// Factory returns an index.RepositoryFactory creating Managers.
func Factory(logger zerolog.Logger) index.RepositoryFactory {
	return func(id index.IndexID, fields []string, cache *region.Cache) index.Repositories {
		return NewManager(id, fields, cache, logger)
	}
}

// BucketPrimary opens the repository of bucketID.
func (m *Manager) BucketPrimary(id index.IndexID, bucketID int) {
	if id != m.id {
		return
	}
	if _, err := m.open(bucketID); err != nil {
		m.logger.Warn().Err(err).Int("bucket", bucketID).Msg("could not open repository")
		return
	}
	m.logger.Debug().Int("bucket", bucketID).Msg("repository opened")
}

// BucketSecondary closes the repository of bucketID if it is open.
func (m *Manager) BucketSecondary(id index.IndexID, bucketID int) {
	if id != m.id {
		return
	}
	m.mu.Lock()
	r, ok := m.repos[bucketID]
	delete(m.repos, bucketID)
	m.mu.Unlock()
	if ok {
		r.Close()
		m.logger.Debug().Int("bucket", bucketID).Msg("repository closed")
	}
}

// Repository returns the open repository of bucketID, or nil.
func (m *Manager) Repository(bucketID int) *Repository {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repos[bucketID]
}

// Buckets returns the buckets with an open repository, sorted.
func (m *Manager) Buckets() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int, 0, len(m.repos))
	for id := range m.repos {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Search returns the keys whose field contains term across the open
// repositories, sorted.
func (m *Manager) Search(field, term string) ([]string, error) {
	var hits []string
	for _, bucketID := range m.Buckets() {
		r := m.Repository(bucketID)
		if r == nil {
			continue
		}
		keys, err := r.Search(field, term)
		if errors.Cause(err) == ErrClosed {
			continue
		}
		if err != nil {
			return nil, err
		}
		hits = append(hits, keys...)
	}
	sort.Strings(hits)
	return hits, nil
}

// ProcessEvents applies a batch of base region writes to the repositories
// of their buckets. Events of buckets this member is no longer primary for
// are dropped.
func (m *Manager) ProcessEvents(ctx context.Context, events []region.Event) error {
	var first error
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := m.openPrimary(ev.Bucket)
		if r == nil && err == nil {
			m.logger.Debug().Str("key", ev.Key).Int("bucket", ev.Bucket).Msg("skipping event of non-primary bucket")
			continue
		}
		if err == nil {
			switch ev.Op {
			case region.OpUpdate:
				err = r.Update(ev.Key, ev.Value)
			case region.OpDestroy:
				err = r.Delete(ev.Key)
			}
		}
		if err != nil {
			m.logger.Error().Err(err).Str("key", ev.Key).Int("bucket", ev.Bucket).Msg("failed to index event")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Close closes every repository. Later bucket transitions are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	repos := m.repos
	m.repos = make(map[int]*Repository)
	m.closed = true
	m.mu.Unlock()

	for _, r := range repos {
		r.Close()
	}
}

// openPrimary opens the repository of bucketID unless the local chunks
// region is no longer primary for it, in which case it returns nil, nil.
func (m *Manager) openPrimary(bucketID int) (*Repository, error) {
	if chunks := m.cache.Region(m.id.ChunksRegion()); chunks != nil && !chunks.IsPrimary(bucketID) {
		m.mu.Lock()
		r, ok := m.repos[bucketID]
		delete(m.repos, bucketID)
		m.mu.Unlock()
		if ok {
			r.Close()
		}
		return nil, nil
	}
	return m.open(bucketID)
}

func (m *Manager) open(bucketID int) (*Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if r, ok := m.repos[bucketID]; ok {
		return r, nil
	}
	files := m.cache.Region(m.id.FilesRegion())
	chunks := m.cache.Region(m.id.ChunksRegion())
	if files == nil || chunks == nil {
		return nil, errors.Wrapf(ErrNotProvisioned, "index %s", m.id.UniqueName())
	}
	r := newRepository(filesystem.New(files, chunks, bucketID), m.fields)
	m.repos[bucketID] = r
	return r, nil
}
