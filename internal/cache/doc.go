// Package cache implements the in-memory streaming response cache. An Entry
// holds one origin response as an append-only sequence of fixed-capacity
// chunks that a single writer fills while any number of readers replay it from
// offset zero, blocking only when they catch up with the writer. The Manager
// indexes entries by request key, tracks who is using each entry through a
// reference count, and sweeps entries that have been idle and unreferenced for
// longer than the configured threshold.
//
// Locking is two-tier: the Manager's registry lock guards the key map, and
// each Entry guards its own chunks, status and reference count. Code paths
// that need both always take the registry lock first and never wait on an
// entry's condition while holding it.
package cache
