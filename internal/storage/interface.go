package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned when a key has no object behind it.
var ErrNotFound = errors.New("object not found")

// ObjectStorage is the blob store holding uploaded documents and rasterized pages.
type ObjectStorage interface {
	// Upload stores an object under key
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens an object; a missing key yields ErrNotFound
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete deletes an object from storage
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// EnsureBucket creates the bucket when the backend allows it
	EnsureBucket(ctx context.Context) error
}

// PutBytes uploads an in-memory object.
func PutBytes(ctx context.Context, s ObjectStorage, key string, data []byte, contentType string) error {
	return s.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
}

// GetBytes downloads a whole object into memory.
func GetBytes(ctx context.Context, s ObjectStorage, key string) ([]byte, error) {
	rc, err := s.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}
