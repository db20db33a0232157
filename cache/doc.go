// Package cache keeps hot service state in memory: a generic TTL/LRU cache
// and a manager composing named cache domains behind a read-through,
// load-coalescing facade with a periodic sweep loop.
package cache
