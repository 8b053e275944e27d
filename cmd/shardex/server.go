package main

import (
	"io"
	"net/http"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dreamware/shardex/internal/cluster"
	"github.com/dreamware/shardex/internal/config"
	"github.com/dreamware/shardex/internal/index"
	"github.com/dreamware/shardex/internal/partition"
	"github.com/dreamware/shardex/internal/region"
	"github.com/dreamware/shardex/internal/repository"
	"github.com/dreamware/shardex/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxValueSize = 1 << 20

// RegionRequest creates a region. Zero values take the configured region
// defaults. Members default to every live member.
type RegionRequest struct {
	Name            string             `json:"name"`
	ColocatedWith   string             `json:"colocatedWith,omitempty"`
	Members         []cluster.MemberID `json:"members,omitempty"`
	ProxyMembers    []cluster.MemberID `json:"proxyMembers,omitempty"`
	TotalNumBuckets int                `json:"totalNumBuckets,omitempty"`
	RedundantCopies *int               `json:"redundantCopies,omitempty"`
	Persistent      *bool              `json:"persistent,omitempty"`
}

// RegionInfo describes a region and where its buckets live.
type RegionInfo struct {
	Name        string                    `json:"name"`
	Shortcuts   map[string]string         `json:"shortcuts"`
	Assignments []region.BucketAssignment `json:"assignments"`
}

// MemberIndexes lists the indexes of one member.
type MemberIndexes struct {
	Member  cluster.MemberID           `json:"member"`
	Indexes []index.StorageDescription `json:"indexes"`
}

// SearchResult holds the keys matching a search, per member.
type SearchResult struct {
	Hits map[string][]string `json:"hits"`
}

type server struct {
	rt     *runtime
	logger zerolog.Logger
	cfg    config.Config
}

func newServer(rt *runtime, cfg config.Config, logger zerolog.Logger) *server {
	return &server{rt: rt, cfg: cfg, logger: logger.With().Str("component", "http").Logger()}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("DELETE /members/{member}", s.handleStopMember)
	mux.HandleFunc("GET /regions", s.handleListRegions)
	mux.HandleFunc("POST /regions", s.handleCreateRegion)
	mux.HandleFunc("DELETE /regions/{region}", s.handleDestroyRegion)
	mux.HandleFunc("GET /indexes", s.handleListIndexes)
	mux.HandleFunc("POST /indexes", s.handleCreateIndex)
	mux.HandleFunc("DELETE /indexes/{region}/{index}", s.handleDestroyIndex)
	mux.HandleFunc("POST /indexes/{region}/{index}/dump", s.handleDumpIndex)
	mux.HandleFunc("GET /indexes/{region}/{index}/search", s.handleSearch)
	mux.HandleFunc("PUT /data/{region}/{key}", s.handleData)
	mux.HandleFunc("GET /data/{region}/{key}", s.handleData)
	mux.HandleFunc("DELETE /data/{region}/{key}", s.handleData)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.rt.registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type memberHealth struct {
		ID     cluster.MemberID `json:"id"`
		Status string           `json:"status"`
	}
	out := struct {
		Status  string         `json:"status"`
		Members []memberHealth `json:"members"`
	}{Status: "ok"}
	for _, m := range s.rt.live() {
		status := cluster.StatusUnknown
		if h := s.rt.monitor.MemberHealth(m.id); h != nil {
			status = h.Status
		}
		out.Members = append(out.Members, memberHealth{ID: m.id, Status: status})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleStopMember(w http.ResponseWriter, r *http.Request) {
	id := cluster.MemberID(r.PathValue("member"))
	if s.rt.member(id) == nil {
		http.Error(w, "unknown member", http.StatusNotFound)
		return
	}
	if err := s.rt.stopMember(id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	out := make([]RegionInfo, 0)
	for _, name := range s.rt.dir.Regions() {
		info, err := s.regionInfo(name)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) regionInfo(name string) (RegionInfo, error) {
	assignments, err := s.rt.dir.Assignments(name)
	if err != nil {
		return RegionInfo{}, err
	}
	info := RegionInfo{Name: name, Shortcuts: make(map[string]string), Assignments: assignments}
	for _, m := range s.rt.live() {
		if reg := m.cache.Region(name); reg != nil {
			info.Shortcuts[string(m.id)] = string(reg.Attributes().Shortcut)
		}
	}
	return info, nil
}

func (s *server) handleCreateRegion(w http.ResponseWriter, r *http.Request) {
	var req RegionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	name := region.Name(req.Name)
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}

	attrs := s.cfg.Region.Attributes()
	attrs.Partition.Resolver = partition.HashResolver{}
	if req.TotalNumBuckets > 0 {
		attrs.Partition.TotalNumBuckets = req.TotalNumBuckets
	}
	if req.RedundantCopies != nil {
		attrs.Partition.RedundantCopies = *req.RedundantCopies
	}
	if req.Persistent != nil {
		attrs.Shortcut = region.Partition
		if *req.Persistent {
			attrs.Shortcut = region.PartitionPersistent
		}
	}
	attrs.Partition.ColocatedWith = req.ColocatedWith

	stores := req.Members
	if len(stores) == 0 && len(req.ProxyMembers) == 0 {
		for _, m := range s.rt.live() {
			stores = append(stores, m.id)
		}
	}
	proxy := attrs
	proxy.Shortcut = region.PartitionProxy

	create := func(ids []cluster.MemberID, attrs region.Attributes) error {
		for _, id := range ids {
			m := s.rt.member(id)
			if m == nil {
				return errors.Errorf("unknown member %s", id)
			}
			if _, err := m.cache.CreateRegion(name, attrs); err != nil {
				return errors.Wrapf(err, "member %s", id)
			}
		}
		return nil
	}
	if err := create(stores, attrs); err != nil {
		s.fail(w, err)
		return
	}
	if err := create(req.ProxyMembers, proxy); err != nil {
		s.fail(w, err)
		return
	}

	info, err := s.regionInfo(name)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info().Str("region", name).Int("data_stores", len(stores)).Int("proxies", len(req.ProxyMembers)).Msg("region created")
	writeJSON(w, http.StatusCreated, info)
}

func (s *server) handleDestroyRegion(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("region")
	for _, m := range s.rt.live() {
		if reg := m.cache.Region(name); reg != nil {
			if err := reg.Destroy(); err != nil {
				s.fail(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	http.Error(w, "region not found", http.StatusNotFound)
}

func (s *server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	out := make([]MemberIndexes, 0)
	for _, m := range s.rt.live() {
		mi := MemberIndexes{Member: m.id, Indexes: make([]index.StorageDescription, 0)}
		for _, x := range m.svc.Indexes() {
			mi.Indexes = append(mi.Indexes, x.DescribeStorage())
		}
		out = append(out, mi)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateIndex creates the index on every member hosting its region.
func (s *server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	var def index.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if def.Name == "" || def.RegionPath == "" {
		http.Error(w, "missing name/regionPath", http.StatusBadRequest)
		return
	}

	out := make([]MemberIndexes, 0)
	for _, m := range s.rt.live() {
		if m.cache.Region(def.RegionPath) == nil {
			continue
		}
		x, err := m.svc.CreateIndex(r.Context(), def)
		if err != nil {
			s.fail(w, errors.Wrapf(err, "member %s", m.id))
			return
		}
		out = append(out, MemberIndexes{Member: m.id, Indexes: []index.StorageDescription{x.DescribeStorage()}})
	}
	if len(out) == 0 {
		s.fail(w, errors.Wrapf(index.ErrUnsupportedRegion, "region %s does not exist", def.RegionPath))
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// handleDestroyIndex destroys the index from the first data store hosting
// it, which tears it down on the other data stores. Proxies are cleaned up
// afterwards.
func (s *server) handleDestroyIndex(w http.ResponseWriter, r *http.Request) {
	regionPath, name := r.PathValue("region"), r.PathValue("index")

	var initiator *member
	for _, m := range s.rt.live() {
		if m.svc.Index(regionPath, name) == nil {
			continue
		}
		if reg := m.cache.Region(regionPath); reg != nil && reg.Attributes().Shortcut.DataStore() {
			initiator = m
			break
		}
		if initiator == nil {
			initiator = m
		}
	}
	if initiator == nil {
		s.fail(w, errors.Wrapf(index.ErrIndexNotFound, "index %s on %s", name, regionPath))
		return
	}
	if err := initiator.svc.DestroyIndex(r.Context(), regionPath, name, true); err != nil {
		s.fail(w, err)
		return
	}
	for _, m := range s.rt.live() {
		if m.svc.Index(regionPath, name) == nil {
			continue
		}
		if err := m.svc.DestroyIndex(r.Context(), regionPath, name, false); err != nil {
			s.fail(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDumpIndex(w http.ResponseWriter, r *http.Request) {
	regionPath, name := r.PathValue("region"), r.PathValue("index")
	var req struct {
		Dir string `json:"dir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Dir == "" {
		http.Error(w, "missing dir", http.StatusBadRequest)
		return
	}

	dumped := make([]cluster.MemberID, 0)
	for _, m := range s.rt.live() {
		x := m.svc.Index(regionPath, name)
		if x == nil {
			continue
		}
		reg := m.cache.Region(regionPath)
		if reg == nil || !reg.Attributes().Shortcut.DataStore() {
			continue
		}
		if err := x.DumpFiles(filepath.Join(req.Dir, string(m.id))); err != nil {
			s.fail(w, err)
			return
		}
		dumped = append(dumped, m.id)
	}
	writeJSON(w, http.StatusOK, struct {
		Members []cluster.MemberID `json:"members"`
	}{Members: dumped})
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	regionPath, name := r.PathValue("region"), r.PathValue("index")
	field, term := r.URL.Query().Get("field"), r.URL.Query().Get("term")
	if field == "" {
		field = "value"
	}

	out := SearchResult{Hits: make(map[string][]string)}
	found := false
	for _, m := range s.rt.live() {
		x := m.svc.Index(regionPath, name)
		if x == nil {
			continue
		}
		found = true
		repos, ok := x.Repositories().(*repository.Manager)
		if !ok {
			continue
		}
		hits, err := repos.Search(field, term)
		if err != nil {
			s.fail(w, err)
			return
		}
		if len(hits) > 0 {
			out.Hits[string(m.id)] = hits
		}
	}
	if !found {
		s.fail(w, errors.Wrapf(index.ErrIndexNotFound, "index %s on %s", name, regionPath))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleData reads and writes entries of a region through the first live
// member hosting it.
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	name, key := r.PathValue("region"), r.PathValue("key")
	var reg *region.Region
	for _, m := range s.rt.live() {
		if reg = m.cache.Region(name); reg != nil {
			break
		}
	}
	if reg == nil {
		http.Error(w, "region not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, err := reg.Get(key, nil)
		if err != nil {
			s.fail(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(value)
	case http.MethodPut:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueSize))
		if err != nil {
			http.Error(w, "value too large", http.StatusRequestEntityTooLarge)
			return
		}
		if err := reg.Put(key, body, nil); err != nil {
			s.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := reg.Delete(key, nil); err != nil {
			s.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// fail maps err to an HTTP status by its root cause.
func (s *server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.Cause(err) {
	case region.ErrRegionExists, region.ErrColocatedChildren, index.ErrIndexExists:
		status = http.StatusConflict
	case region.ErrRegionDestroyed, index.ErrIndexNotFound, index.ErrUnsupportedRegion, storage.ErrKeyNotFound:
		status = http.StatusNotFound
	case region.ErrNoDataStore, region.ErrCacheClosed:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
