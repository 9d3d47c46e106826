// Package corvus implements an embedded, single-file, disk-backed
// key-value store: a paged B-tree with an LRU page cache and a
// write-ahead log for crash-consistent commits.
//
// Open a database, then use Insert, Get, Remove and Has for point
// operations, Range for ordered scans, and BatchInsert/BatchGet for
// grouping many operations under one transaction.
package corvus
