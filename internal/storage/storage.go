// Package storage stages files where environments can read them.
package storage

import (
	"context"
	"path"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

// Service stores files for environments. Paths are slash separated and relative to the root of
// the store.
type Service interface {
	// JoinPath builds a store path from parts.
	JoinPath(parts ...string) string
	// CopyDirectory uploads the local directory src under dst. When recursive is set the whole
	// tree is stored as one gzipped tarball, otherwise the top-level files are copied into
	// dst/<base of src>. It returns the store path of what it created.
	CopyDirectory(ctx context.Context, src, dst string, recursive bool) (string, error)
	// Save writes content to p, replacing anything there.
	Save(ctx context.Context, content []byte, p string) error
	// Rename gives p the new base name newName within the same directory.
	Rename(ctx context.Context, p, newName string) error
}

// JoinPath is the path joining shared by every backend.
func JoinPath(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}

func renamed(p, newName string) string {
	return path.Join(path.Dir(p), newName)
}

const maxRetries = 4

// retry runs op with exponential backoff. Errors wrapped with backoff.Permanent are not retried.
func retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	return backoff.Retry(op, b)
}
