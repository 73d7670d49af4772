package es

import "log/slog"

// Version is the per-aggregate sequence number recorded as _aggregate_version.
// The first event of an aggregate has version 1; together with the aggregate
// type and id it forms the optimistic concurrency key inside a stream.
type Version uint64

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) Next() Version                          { return v + 1 }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }
