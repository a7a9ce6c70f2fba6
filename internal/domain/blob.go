package domain

import (
	"context"
	"io"
)

// BlobReader fetches a stored object, e.g. the FED expectations document.
// A missing object yields ErrNotFound.
type BlobReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}
