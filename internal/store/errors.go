package store

import "errors"

// Error kinds for cache failures. Nothing in this package propagates as a
// fatal condition: callers are expected to treat any error from Get as a
// cache miss and fetch fresh data.
var (
	// ErrStoreIO marks a read/write failure on the backing store.
	ErrStoreIO = errors.New("cache store I/O error")

	// ErrCorruptEntry marks an unreadable or malformed stored record. The
	// record is deleted best-effort before the error is returned so the
	// corruption does not recur.
	ErrCorruptEntry = errors.New("corrupt cache entry")
)
