// Package storage implements a content-addressed path→bytes KV:
// exists/read/write/list/delete over "/"-delimited paths, with a
// remote Consul-shaped backend and an in-memory backend for tests and
// single-node deployments.
package storage

import (
	"context"
	"strings"
)

// KV is the storage contract every CA, the Manager, and the hooks use to
// persist key material, CSRs, certificates and request markers.
type KV interface {
	// Exists reports whether path (or any key beneath it) is present.
	// It never returns an error.
	Exists(ctx context.Context, path string) bool

	// Read returns the raw bytes stored at path, or a scmterr.NotFound
	// error (checkable with errors.Is) if no such key or prefix exists.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write stores value at path. It must be observable to the very next
	// Read of the same path.
	Write(ctx context.Context, path string, value []byte) error

	// List returns the immediate child segments below path, deduplicated.
	// Returns scmterr.NotFound if path has no children.
	List(ctx context.Context, path string) ([]string, error)

	// Delete removes path and everything beneath it (recursive).
	Delete(ctx context.Context, path string) error
}

// Join normalizes a "/"-joined path, eliding empty segments and any
// leading slash (remote KV backends treat '/' purely as a separator).
func Join(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		cleaned = append(cleaned, p)
	}
	return strings.Join(cleaned, "/")
}

// childSegment returns the first path segment of key after stripping the
// prefix, or "" if key does not extend beyond prefix.
func childSegment(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	key = strings.Trim(key, "/")
	if prefix != "" {
		if !strings.HasPrefix(key, prefix+"/") {
			return ""
		}
		key = strings.TrimPrefix(key, prefix+"/")
	}
	if idx := strings.Index(key, "/"); idx >= 0 {
		return key[:idx]
	}
	return key
}

// dedupChildren collects unique, non-empty immediate children of prefix
// from a flat list of full keys, as Consul's flat `?keys` listing requires.
func dedupChildren(prefix string, keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		seg := childSegment(prefix, k)
		if seg == "" {
			continue
		}
		if _, ok := seen[seg]; ok {
			continue
		}
		seen[seg] = struct{}{}
		out = append(out, seg)
	}
	return out
}
