package bucket

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/dreamware/shardex/internal/storage"
)

// State represents the current state of a bucket copy
type State string

const (
	// StateActive means the bucket is serving requests
	StateActive State = "active"
	// StateMoving means the bucket is being copied to another member
	StateMoving State = "moving"
	// StateDestroyed means the bucket was removed and its store dropped
	StateDestroyed State = "destroyed"
)

// ErrDestroyed is returned by operations on a destroyed bucket
var ErrDestroyed = errors.New("bucket destroyed")

// Bucket is one member's copy of a region bucket.
// The copy is either the primary or a redundant copy; the role can change
// while the bucket lives.
type Bucket struct {
	Store   storage.Store // The storage backend for this bucket
	ops     OperationStats
	state   State
	ID      int
	mu      sync.RWMutex // Protects state changes
	primary atomic.Bool
}

// OperationStats tracks operation counts
type OperationStats struct {
	Gets    uint64 // Number of get operations
	Puts    uint64 // Number of put operations
	Deletes uint64 // Number of delete operations
}

// Info contains metadata about a bucket copy
type Info struct {
	State    State          `json:"state"`
	Ops      OperationStats `json:"ops"`
	ID       int            `json:"id"`
	KeyCount int            `json:"keyCount"`
	ByteSize int            `json:"byteSize"`
	Primary  bool           `json:"primary"`
}

// New creates a bucket copy over store
func New(id int, primary bool, store storage.Store) *Bucket {
	b := &Bucket{
		ID:    id,
		Store: store,
		state: StateActive,
	}
	b.primary.Store(primary)
	return b
}

// Get retrieves a value from the bucket
// Increments get counter for statistics
func (b *Bucket) Get(key string) ([]byte, error) {
	atomic.AddUint64(&b.ops.Gets, 1)
	return b.Store.Get(key)
}

// Put stores a value in the bucket
// Increments put counter for statistics
func (b *Bucket) Put(key string, value []byte) error {
	if b.State() == StateDestroyed {
		return ErrDestroyed
	}
	atomic.AddUint64(&b.ops.Puts, 1)
	return b.Store.Put(key, value)
}

// Delete removes a key from the bucket
func (b *Bucket) Delete(key string) error {
	if b.State() == StateDestroyed {
		return ErrDestroyed
	}
	atomic.AddUint64(&b.ops.Deletes, 1)
	return b.Store.Delete(key)
}

// Keys returns all keys in the bucket, sorted
func (b *Bucket) Keys() []string {
	keys := b.Store.List()
	sort.Strings(keys)
	return keys
}

// IsPrimary reports whether this copy is the primary
func (b *Bucket) IsPrimary() bool {
	return b.primary.Load()
}

// SetPrimary updates the role and reports whether it changed
func (b *Bucket) SetPrimary(primary bool) bool {
	return b.primary.Swap(primary) != primary
}

// Stats returns the storage statistics of the copy
func (b *Bucket) Stats() storage.StoreStats {
	if b.State() == StateDestroyed {
		return storage.StoreStats{}
	}
	return b.Store.Stats()
}

// Info returns metadata about the bucket copy
func (b *Bucket) Info() Info {
	stats := b.Stats()
	return Info{
		ID:      b.ID,
		Primary: b.IsPrimary(),
		State:   b.State(),
		Ops: OperationStats{
			Gets:    atomic.LoadUint64(&b.ops.Gets),
			Puts:    atomic.LoadUint64(&b.ops.Puts),
			Deletes: atomic.LoadUint64(&b.ops.Deletes),
		},
		KeyCount: stats.Keys,
		ByteSize: stats.Bytes,
	}
}

// State returns the current state
func (b *Bucket) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetState updates the bucket state
func (b *Bucket) SetState(state State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
}

// CopyTo writes every entry of the bucket into dst.
// The source is marked moving for the duration of the copy.
func (b *Bucket) CopyTo(dst *Bucket) error {
	b.SetState(StateMoving)
	defer func() {
		b.mu.Lock()
		if b.state == StateMoving {
			b.state = StateActive
		}
		b.mu.Unlock()
	}()

	for _, key := range b.Store.List() {
		value, err := b.Store.Get(key)
		if errors.Cause(err) == storage.ErrKeyNotFound {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "read %s from bucket %d", key, b.ID)
		}
		if err := dst.Store.Put(key, value); err != nil {
			return errors.Wrapf(err, "copy %s to bucket %d", key, dst.ID)
		}
	}
	return nil
}

// Destroy drops the store. Destroying twice is a no-op.
func (b *Bucket) Destroy() error {
	b.mu.Lock()
	if b.state == StateDestroyed {
		b.mu.Unlock()
		return nil
	}
	b.state = StateDestroyed
	b.mu.Unlock()
	return b.Store.Drop()
}
