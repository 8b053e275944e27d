package repository

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/dreamware/shardex/internal/filesystem"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrClosed is returned by a repository whose bucket is no longer primary
// on this member.
var ErrClosed = errors.New("repository closed")

// Document holds the indexed fields of one entry of the indexed region.
type Document map[string]any

// Repository indexes the entries of one bucket. Each entry is stored as a
// document file in the bucket's file system.
type Repository struct {
	fs       *filesystem.FileSystem
	fields   []string
	bucketID int
	mu       sync.RWMutex
	closed   bool
}

func newRepository(fs *filesystem.FileSystem, fields []string) *Repository {
	return &Repository{fs: fs, fields: fields, bucketID: fs.Bucket()}
}

// Bucket returns the bucket the repository indexes.
func (r *Repository) Bucket() int { return r.bucketID }

// Update indexes value under key, replacing the previous document.
func (r *Repository) Update(key string, value []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}

	doc := extract(value, r.fields)
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrapf(err, "encode document %s", key)
	}
	_, err = r.fs.WriteFile(key, data)
	return err
}

// Delete removes the document of key. Unknown keys are ignored.
func (r *Repository) Delete(key string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}

	err := r.fs.DeleteFile(key)
	if errors.Cause(err) == filesystem.ErrFileNotFound {
		return nil
	}
	return err
}

// Document returns the document of key.
func (r *Repository) Document(key string) (Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}

	data, err := r.fs.ReadFile(key)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "decode document %s", key)
	}
	return doc, nil
}

// Keys returns the indexed keys, sorted.
func (r *Repository) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil
	}
	return r.fs.ListFiles()
}

// Search returns the keys whose field contains term, sorted.
func (r *Repository) Search(field, term string) ([]string, error) {
	var hits []string
	for _, key := range r.Keys() {
		doc, err := r.Document(key)
		if errors.Cause(err) == filesystem.ErrFileNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if v, ok := doc[field]; ok && strings.Contains(fmt.Sprint(v), term) {
			hits = append(hits, key)
		}
	}
	sort.Strings(hits)
	return hits, nil
}

// Close stops the repository. The documents stay in the file system for the
// next primary.
func (r *Repository) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// extract keeps the configured fields of a JSON object. Values that are not
// JSON objects are indexed whole under "value".
func extract(value []byte, fields []string) Document {
	var obj map[string]any
	if err := json.Unmarshal(value, &obj); err != nil || obj == nil {
		return Document{"value": string(value)}
	}
	if len(fields) == 0 {
		return obj
	}
	doc := make(Document, len(fields))
	for _, f := range fields {
		if v, ok := obj[f]; ok {
			doc[f] = v
		}
	}
	return doc
}
