package index

import "strings"

const (
	// FilesSuffix is appended to the unique index name to form the files
	// region name.
	FilesSuffix = ".files"
	// ChunksSuffix is appended to the unique index name to form the chunks
	// region name.
	ChunksSuffix = ".chunks"
)

// IndexID identifies an index by its name and the path of the region it
// indexes.
type IndexID struct {
	Name       string `json:"name"`
	RegionPath string `json:"regionPath"`
}

// NewIndexID returns the id of index name on regionPath. The region path
// always starts with "/".
func NewIndexID(name, regionPath string) IndexID {
	return IndexID{Name: name, RegionPath: normalizePath(regionPath)}
}

// UniqueName returns the cluster-wide unique name of the index. It also
// names the index's async event queue.
func (id IndexID) UniqueName() string {
	return UniqueIndexName(id.Name, id.RegionPath)
}

// FilesRegion returns the name of the index's files region.
func (id IndexID) FilesRegion() string { return id.UniqueName() + FilesSuffix }

// ChunksRegion returns the name of the index's chunks region.
func (id IndexID) ChunksRegion() string { return id.UniqueName() + ChunksSuffix }

// String returns "<name>-<regionPath>", the statistics name of the index.
func (id IndexID) String() string { return id.Name + "-" + id.RegionPath }

// UniqueIndexName joins the index name and the region path, with every "/"
// of the path replaced by "_", around a "#".
//
//	UniqueIndexName("idx", "/orders")      == "idx#_orders"
//	UniqueIndexName("idx", "/root/orders") == "idx#_root_orders"
func UniqueIndexName(indexName, regionPath string) string {
	return indexName + "#" + strings.ReplaceAll(normalizePath(regionPath), "/", "_")
}

func normalizePath(regionPath string) string {
	if strings.HasPrefix(regionPath, "/") {
		return regionPath
	}
	return "/" + regionPath
}
