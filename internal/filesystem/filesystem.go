package filesystem

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dreamware/shardex/internal/partition"
	"github.com/dreamware/shardex/internal/storage"
)

var (
	// ErrFileNotFound is returned for operations on a missing file.
	ErrFileNotFound = errors.New("file not found")
	// ErrFileExists is returned when creating a file whose name is taken.
	ErrFileExists = errors.New("file already exists")
)

// Region is the keyed access the file system needs from the files and
// chunks regions.
type Region interface {
	Put(key string, value []byte, callbackArg any) error
	Get(key string, callbackArg any) ([]byte, error)
	Delete(key string, callbackArg any) error
	BucketKeys(bucketID int) []string
}

// FileSystem is the virtual file store of one bucket: descriptors live in
// the files region, contents in the chunks region. Every write targets the
// file system's bucket.
type FileSystem struct {
	files  Region
	chunks Region
	now    func() time.Time
	bucket partition.BucketID
}

// New returns the file system of bucketID.
func New(files, chunks Region, bucketID int) *FileSystem {
	return &FileSystem{
		files:  files,
		chunks: chunks,
		bucket: partition.BucketID(bucketID),
		now:    time.Now,
	}
}

// Bucket returns the bucket the file system writes to.
func (fs *FileSystem) Bucket() int { return int(fs.bucket) }

// File returns the descriptor of name.
func (fs *FileSystem) File(name string) (*File, error) {
	data, err := fs.files.Get(name, fs.bucket)
	if errors.Cause(err) == storage.ErrKeyNotFound {
		return nil, errors.Wrapf(ErrFileNotFound, "file %s", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read descriptor of %s", name)
	}
	f, err := decodeFile(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode descriptor of %s", name)
	}
	return f, nil
}

// CreateFile creates an empty file.
func (fs *FileSystem) CreateFile(name string) (*File, error) {
	if name == "" {
		return nil, errors.New("file name is empty")
	}
	if _, err := fs.File(name); err == nil {
		return nil, errors.Wrapf(ErrFileExists, "file %s", name)
	} else if errors.Cause(err) != ErrFileNotFound {
		return nil, err
	}
	now := fs.now()
	f := &File{Name: name, ID: uuid.New(), Created: now, Modified: now}
	if err := fs.putFile(f); err != nil {
		return nil, err
	}
	return f, nil
}

// WriteFile replaces the contents of name, creating the file if needed.
func (fs *FileSystem) WriteFile(name string, data []byte) (*File, error) {
	f, err := fs.File(name)
	switch {
	case errors.Cause(err) == ErrFileNotFound:
		if f, err = fs.CreateFile(name); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	old := f.Chunks
	chunks := 0
	for off := 0; off < len(data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := fs.chunks.Put(f.chunkKey(chunks).String(), data[off:end], fs.bucket); err != nil {
			return nil, errors.Wrapf(err, "write chunk %d of %s", chunks, name)
		}
		chunks++
	}
	for c := chunks; c < old; c++ {
		if err := fs.chunks.Delete(f.chunkKey(c).String(), fs.bucket); err != nil {
			return nil, errors.Wrapf(err, "drop chunk %d of %s", c, name)
		}
	}

	f.Chunks = chunks
	f.Length = int64(len(data))
	f.Modified = fs.now()
	if err := fs.putFile(f); err != nil {
		return nil, err
	}
	return f, nil
}

// ReadFile returns the contents of name.
func (fs *FileSystem) ReadFile(name string) ([]byte, error) {
	f, err := fs.File(name)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, f.Length)
	for c := 0; c < f.Chunks; c++ {
		chunk, err := fs.chunks.Get(f.chunkKey(c).String(), fs.bucket)
		if err != nil {
			return nil, errors.Wrapf(err, "read chunk %d of %s", c, name)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// DeleteFile removes name and its chunks.
func (fs *FileSystem) DeleteFile(name string) error {
	f, err := fs.File(name)
	if err != nil {
		return err
	}
	if err := fs.files.Delete(name, fs.bucket); err != nil {
		return errors.Wrapf(err, "delete descriptor of %s", name)
	}
	for c := 0; c < f.Chunks; c++ {
		if err := fs.chunks.Delete(f.chunkKey(c).String(), fs.bucket); err != nil {
			return errors.Wrapf(err, "delete chunk %d of %s", c, name)
		}
	}
	return nil
}

// ListFiles returns the names of the files in the bucket, sorted. Only the
// members holding the bucket can list it.
func (fs *FileSystem) ListFiles() []string {
	names := fs.files.BucketKeys(int(fs.bucket))
	sort.Strings(names)
	return names
}

func (fs *FileSystem) putFile(f *File) error {
	data, err := encodeFile(f)
	if err != nil {
		return errors.Wrapf(err, "encode descriptor of %s", f.Name)
	}
	return errors.Wrapf(fs.files.Put(f.Name, data, fs.bucket), "write descriptor of %s", f.Name)
}
