package filesystem

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardex/internal/partition"
	"github.com/dreamware/shardex/internal/region"
)

func newTestFileSystem(t *testing.T, bucketID int) (*FileSystem, *region.Region, *region.Region) {
	t.Helper()
	dir := region.NewDirectory(zerolog.Nop())
	c, err := region.NewCache("m1", dir, zerolog.Nop(), region.CacheOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	attrs := region.Attributes{Partition: region.PartitionAttributes{
		TotalNumBuckets: 4,
		LocalMaxMemory:  region.DefaultLocalMaxMemory,
		Resolver:        partition.BucketTargetingResolver{},
	}}
	files, err := c.CreateRegion("idx.files", attrs)
	require.NoError(t, err)
	attrs.Partition.ColocatedWith = "idx.files"
	chunks, err := c.CreateRegion("idx.chunks", attrs)
	require.NoError(t, err)

	return New(files, chunks, bucketID), files, chunks
}

func TestCreateFile(t *testing.T) {
	fs, files, _ := newTestFileSystem(t, 2)

	f, err := fs.CreateFile("segments_1")
	require.NoError(t, err)
	assert.Equal(t, "segments_1", f.Name)
	assert.Equal(t, int64(0), f.Length)
	assert.NotEqual(t, f.ID.String(), "00000000-0000-0000-0000-000000000000")
	assert.Equal(t, []string{"segments_1"}, files.BucketKeys(2))

	_, err = fs.CreateFile("segments_1")
	assert.Equal(t, ErrFileExists, errors.Cause(err))

	_, err = fs.CreateFile("")
	assert.Error(t, err)
}

func TestWriteAndReadFile(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		wantChunks int
	}{
		{name: "empty", size: 0, wantChunks: 0},
		{name: "single chunk", size: 10, wantChunks: 1},
		{name: "exact chunk", size: ChunkSize, wantChunks: 1},
		{name: "several chunks", size: 3*ChunkSize + 7, wantChunks: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, _, chunks := newTestFileSystem(t, 1)
			data := bytes.Repeat([]byte{'x'}, tt.size)

			f, err := fs.WriteFile("doc", data)
			require.NoError(t, err)
			assert.Equal(t, tt.wantChunks, f.Chunks)
			assert.Equal(t, int64(tt.size), f.Length)
			assert.Len(t, chunks.BucketKeys(1), tt.wantChunks)

			got, err := fs.ReadFile("doc")
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestRewriteShrinksChunks(t *testing.T) {
	fs, _, chunks := newTestFileSystem(t, 0)
	fs.now = func() time.Time { return time.Unix(100, 0) }

	first, err := fs.WriteFile("doc", bytes.Repeat([]byte{'a'}, 2*ChunkSize+1))
	require.NoError(t, err)
	assert.Len(t, chunks.BucketKeys(0), 3)

	fs.now = func() time.Time { return time.Unix(200, 0) }
	second, err := fs.WriteFile("doc", []byte("short"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.Chunks)
	assert.Len(t, chunks.BucketKeys(0), 1)
	assert.True(t, second.Modified.After(second.Created))

	got, err := fs.ReadFile("doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), got)
}

func TestDeleteFile(t *testing.T) {
	fs, files, chunks := newTestFileSystem(t, 3)

	_, err := fs.WriteFile("a", bytes.Repeat([]byte{'a'}, ChunkSize+1))
	require.NoError(t, err)
	_, err = fs.WriteFile("b", []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, fs.ListFiles())

	require.NoError(t, fs.DeleteFile("a"))
	assert.Equal(t, []string{"b"}, fs.ListFiles())
	assert.Len(t, chunks.BucketKeys(3), 1)
	assert.Equal(t, 1, files.LocalSize())

	err = fs.DeleteFile("a")
	assert.Equal(t, ErrFileNotFound, errors.Cause(err))
	_, err = fs.ReadFile("a")
	assert.Equal(t, ErrFileNotFound, errors.Cause(err))
}

func TestChunkKey(t *testing.T) {
	fs, _, _ := newTestFileSystem(t, 0)
	f, err := fs.CreateFile("x")
	require.NoError(t, err)

	assert.Equal(t, f.ID.String()+"/3", ChunkKey{FileID: f.ID, Chunk: 3}.String())
	assert.Equal(t, 0, fs.Bucket())
}
