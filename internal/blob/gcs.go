package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/and161185/doc-attest/internal/errs"
)

// GCS stores objects in a Cloud Storage bucket.
type GCS struct {
	bucket *storage.BucketHandle
}

// NewGCS returns a store over bucket.
func NewGCS(client *storage.Client, bucket string) *GCS {
	return &GCS{bucket: client.Bucket(bucket)}
}

// Open returns a reader for the object at p.
func (g *GCS) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	name, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	r, err := g.bucket.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("blob %s: %w", p, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", name, err)
	}
	return r, nil
}

// Create returns a writer; the object becomes visible when Close succeeds.
func (g *GCS) Create(ctx context.Context, p string) (io.WriteCloser, error) {
	name, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	w := g.bucket.Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	return w, nil
}

// Delete removes the object at p.
func (g *GCS) Delete(ctx context.Context, p string) error {
	name, err := CleanPath(p)
	if err != nil {
		return err
	}
	if err := g.bucket.Object(name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object %s: %w", name, err)
	}
	return nil
}
