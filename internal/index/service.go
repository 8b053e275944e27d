package index

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dreamware/shardex/internal/messaging"
	"github.com/dreamware/shardex/internal/region"
)

var (
	// ErrIndexExists is returned when creating an index that already exists
	// on the member.
	ErrIndexExists = errors.New("index already exists")
	// ErrIndexNotFound is returned for operations on an unknown index.
	ErrIndexNotFound = errors.New("index not found")
	// ErrUnsupportedRegion is returned when the indexed region is missing or
	// cannot host an index.
	ErrUnsupportedRegion = errors.New("region cannot be indexed")
)

// Definition declares an index.
type Definition struct {
	Name       string   `json:"name"`
	RegionPath string   `json:"regionPath"`
	Fields     []string `json:"fields,omitempty"`
}

// RepositoryFactory creates the repository manager of a new index.
type RepositoryFactory func(id IndexID, fields []string, cache *region.Cache) Repositories

// Service keeps the indexes of one member and answers destroy requests
// from the other members.
type Service struct {
	cache      *region.Cache
	dm         *messaging.Manager
	registerer prometheus.Registerer
	newRepos   RepositoryFactory
	indexes    map[string]*PartitionedIndex
	logger     zerolog.Logger
	mu         sync.Mutex
}

// NewService creates the index service of the member owning cache and dm
// and registers its destroy handler with dm. registerer may be nil.
func NewService(cache *region.Cache, dm *messaging.Manager, registerer prometheus.Registerer, newRepos RepositoryFactory, logger zerolog.Logger) *Service {
	s := &Service{
		cache:      cache,
		dm:         dm,
		registerer: registerer,
		newRepos:   newRepos,
		indexes:    make(map[string]*PartitionedIndex),
		logger:     logger.With().Str("component", "index").Str("member", string(cache.Member())).Logger(),
	}
	dm.RegisterHandler(KindDestroyIndex, s.handleDestroy)
	return s
}

// CreateIndex creates the index on this member, provisioning its storage.
func (s *Service) CreateIndex(ctx context.Context, def Definition) (*PartitionedIndex, error) {
	if def.Name == "" {
		return nil, errors.New("index name is empty")
	}
	id := NewIndexID(def.Name, def.RegionPath)
	def.RegionPath = id.RegionPath

	base := s.cache.Region(id.RegionPath)
	if base == nil {
		return nil, errors.Wrapf(ErrUnsupportedRegion, "region %s does not exist", id.RegionPath)
	}

	s.mu.Lock()
	if _, ok := s.indexes[id.UniqueName()]; ok {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrIndexExists, "index %s", id.UniqueName())
	}
	x := newPartitionedIndex(def, base, s.cache, s.dm, s.newRepos(id, def.Fields, s.cache), s.registerer, s.logger)
	s.indexes[id.UniqueName()] = x
	s.mu.Unlock()

	if err := x.CreateStorage(ctx); err != nil {
		s.mu.Lock()
		delete(s.indexes, id.UniqueName())
		s.mu.Unlock()
		return nil, errors.Wrapf(err, "create index %s", id.UniqueName())
	}
	s.logger.Info().Str("index", id.Name).Str("region", id.RegionPath).Msg("index created")
	return x, nil
}

// DestroyIndex tears the index down on this member and, when initiator is
// set, on every other member hosting data for the indexed region.
func (s *Service) DestroyIndex(ctx context.Context, regionPath, name string, initiator bool) error {
	id := NewIndexID(name, regionPath)

	s.mu.Lock()
	x, ok := s.indexes[id.UniqueName()]
	delete(s.indexes, id.UniqueName())
	s.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrIndexNotFound, "index %s", id.UniqueName())
	}

	if err := x.TeardownStorage(ctx, initiator); err != nil {
		return errors.Wrapf(err, "destroy index %s", id.UniqueName())
	}
	s.logger.Info().Str("index", id.Name).Str("region", id.RegionPath).Bool("initiator", initiator).Msg("index destroyed")
	return nil
}

// Index returns the index name on regionPath, or nil.
func (s *Service) Index(regionPath, name string) *PartitionedIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexes[UniqueIndexName(name, regionPath)]
}

// Indexes returns the member's indexes ordered by unique name.
func (s *Service) Indexes() []*PartitionedIndex {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.indexes))
	for name := range s.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*PartitionedIndex, 0, len(names))
	for _, name := range names {
		out = append(out, s.indexes[name])
	}
	return out
}

func (s *Service) handleDestroy(ctx context.Context, msg messaging.Message) error {
	var req DestroyRequest
	if err := msg.Decode(&req); err != nil {
		return errors.Wrap(err, "decode destroy request")
	}
	if err := s.dm.CancelCriterion().CancelInProgress(); err != nil {
		return err
	}
	s.logger.Debug().
		Str("index", req.IndexName).
		Str("region", req.RegionPath).
		Str("sender", string(msg.Sender)).
		Msg("received destroy request")

	err := s.DestroyIndex(ctx, req.RegionPath, req.IndexName, false)
	if errors.Cause(err) == ErrIndexNotFound {
		return nil
	}
	return err
}
