// Package filesystem stores the files of an index inside two colocated
// regions: descriptors in the files region, 1 KiB chunks of content in the
// chunks region. A FileSystem is bound to one bucket, so all files of a
// bucket live on the members hosting that bucket of the indexed region.
package filesystem
