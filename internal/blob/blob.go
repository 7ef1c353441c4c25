// Package blob addresses original documents, sealed documents and photos by path.
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/and161185/doc-attest/internal/errs"
)

// Store reads and writes objects addressed by slash-separated paths.
type Store interface {
	// Open returns a reader for path; a missing object yields errs.ErrNotFound.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Create returns a writer whose Close publishes the object.
	Create(ctx context.Context, path string) (io.WriteCloser, error)
	// Delete removes the object at path. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error
}

// CleanPath normalizes p and rejects paths that escape the store root.
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("blob: empty path: %w", errs.ErrInvalidInput)
	}
	slashed := strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("blob: path %q escapes root: %w", p, errs.ErrInvalidInput)
		}
	}
	return strings.TrimPrefix(path.Clean("/"+slashed), "/"), nil
}

// Download copies the object at p into a local file at dst.
func Download(ctx context.Context, s Store, p, dst string) error {
	r, err := s.Open(ctx, p)
	if err != nil {
		return err
	}
	defer r.Close()
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("blob: copy %s: %w", p, err)
	}
	return f.Close()
}

// ReadAll returns the object at p, refusing objects larger than limit bytes.
func ReadAll(ctx context.Context, s Store, p string, limit int64) ([]byte, error) {
	r, err := s.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("blob: %s exceeds %d bytes", p, limit)
	}
	return b, nil
}
