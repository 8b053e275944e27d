package filesystem

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats exposes the size of an index's file system through three
// suppliers. The suppliers are read each time a gauge is collected.
type Stats struct {
	files  func() int
	chunks func() int
	bytes  func() int64
	gauges []prometheus.Collector
	name   string
	mu     sync.RWMutex
}

// NewStats creates the statistics of the file system called name as seen
// by member.
func NewStats(name, member string) *Stats {
	s := &Stats{name: name}
	labels := prometheus.Labels{"filesystem": name, "member": member}
	s.gauges = []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "shardex",
			Subsystem:   "filesystem",
			Name:        "files",
			Help:        "Files held by this member.",
			ConstLabels: labels,
		}, func() float64 { return float64(s.Files()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "shardex",
			Subsystem:   "filesystem",
			Name:        "chunks",
			Help:        "File chunks held by this member.",
			ConstLabels: labels,
		}, func() float64 { return float64(s.Chunks()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "shardex",
			Subsystem:   "filesystem",
			Name:        "bytes",
			Help:        "Chunk bytes held by this member.",
			ConstLabels: labels,
		}, func() float64 { return float64(s.Bytes()) }),
	}
	return s
}

// Name returns the file system name.
func (s *Stats) Name() string { return s.name }

// SetFileSupplier sets the supplier of the local file count.
func (s *Stats) SetFileSupplier(fn func() int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = fn
}

// SetChunkSupplier sets the supplier of the local chunk count.
func (s *Stats) SetChunkSupplier(fn func() int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = fn
}

// SetBytesSupplier sets the supplier of the local bytes in use.
func (s *Stats) SetBytesSupplier(fn func() int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytes = fn
}

// Files returns the current file count, zero without a supplier.
func (s *Stats) Files() int {
	s.mu.RLock()
	fn := s.files
	s.mu.RUnlock()
	if fn == nil {
		return 0
	}
	return fn()
}

// Chunks returns the current chunk count, zero without a supplier.
func (s *Stats) Chunks() int {
	s.mu.RLock()
	fn := s.chunks
	s.mu.RUnlock()
	if fn == nil {
		return 0
	}
	return fn()
}

// Bytes returns the current bytes in use, zero without a supplier.
func (s *Stats) Bytes() int64 {
	s.mu.RLock()
	fn := s.bytes
	s.mu.RUnlock()
	if fn == nil {
		return 0
	}
	return fn()
}

// Register adds the gauges to reg.
func (s *Stats) Register(reg prometheus.Registerer) error {
	for _, g := range s.gauges {
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes the gauges from reg.
func (s *Stats) Unregister(reg prometheus.Registerer) {
	for _, g := range s.gauges {
		reg.Unregister(g)
	}
}
