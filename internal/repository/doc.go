// Package repository keeps the per-bucket document repositories of an
// index. A Manager opens a Repository when the member becomes primary for a
// bucket, closes it when the bucket moves away, and applies the writes of
// the indexed region delivered by the index's async event queue.
package repository
