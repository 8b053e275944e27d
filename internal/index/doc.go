// Package index provisions and tears down the storage backing a search
// index defined on a partitioned region.
//
// An index named "idx" on region "/orders" stores its files in two regions
// colocated with the indexed one:
//
//	orders
//	└── idx#_orders.files
//	    └── idx#_orders.chunks
//
// Both inherit the bucket count and redundancy of the base region and route
// by target bucket, so a bucket's index files live where its data lives.
// Proxy members get proxy regions.
//
// Destroying an index tears the storage down locally, then sends a
// destroy-index request to every other data store member of the base region
// and waits for their replies. Cancellation of a remote member is tolerated.
package index
