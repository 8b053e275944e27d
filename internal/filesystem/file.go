package filesystem

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ChunkSize is the largest blob stored under one chunk key.
const ChunkSize = 1024

// File describes a file whose contents are stored as chunks.
type File struct {
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
	Name     string    `json:"name"`
	Length   int64     `json:"length"`
	Chunks   int       `json:"chunks"`
	ID       uuid.UUID `json:"id"`
}

// ChunkKey addresses one chunk of a file.
type ChunkKey struct {
	FileID uuid.UUID
	Chunk  int
}

// String returns the region key of the chunk.
func (k ChunkKey) String() string {
	return k.FileID.String() + "/" + strconv.Itoa(k.Chunk)
}

func (f *File) chunkKey(chunk int) ChunkKey {
	return ChunkKey{FileID: f.ID, Chunk: chunk}
}

func encodeFile(f *File) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFile(data []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
