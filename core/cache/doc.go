// Package cache provides a small generic key/value cache with LRU eviction
// and optional per-entry TTL. The SQL persistence backends use it to
// remember stream registry lookups, the metadata matcher to keep compiled
// regular expressions.
//
//	streams := cache.NewLRU[string](cache.LRUOpts{Size: 512})
//	streams.Put("users", "_a1b2...", cache.WithTTL(time.Minute))
//	if table, ok := streams.Get("users"); ok {
//	    // ...
//	}
package cache
