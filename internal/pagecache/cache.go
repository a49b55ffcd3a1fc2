// Package pagecache remembers rasterized PDF pages so a document is converted
// at most once. The cache is all-or-nothing: any row for a document means the
// rows present are used as the complete page set.
package pagecache

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/claimflow/internal/domain"
	"github.com/timmy/claimflow/internal/storage"
)

const pngContentType = "image/png"

// ImageRepository persists converted_images rows.
type ImageRepository interface {
	ListConvertedImages(ctx context.Context, documentID string) ([]domain.ConvertedImage, error)
	UpsertConvertedImage(ctx context.Context, image *domain.ConvertedImage) error
}

// Cache pairs page blobs with their converted_images rows.
type Cache struct {
	blobs  storage.ObjectStorage
	images ImageRepository
}

// New creates a page cache.
func New(blobs storage.ObjectStorage, images ImageRepository) *Cache {
	return &Cache{blobs: blobs, images: images}
}

// PagePath is the blob key of a cached page.
func PagePath(documentID string, pageNumber int) string {
	return fmt.Sprintf("converted-images/%s/page-%d.png", documentID, pageNumber)
}

// Lookup returns the cached pages in page order, or nil when the document was
// never rasterized.
func (c *Cache) Lookup(ctx context.Context, documentID string) ([]domain.ConvertedImage, error) {
	images, err := c.images.ListConvertedImages(ctx, documentID)
	if err != nil {
		return nil, domain.NewStorageError("list converted images", err)
	}
	if len(images) == 0 {
		return nil, nil
	}
	return images, nil
}

// Load downloads one cached page. A row whose blob is gone is a fatal cache error.
func (c *Cache) Load(ctx context.Context, image domain.ConvertedImage) ([]byte, error) {
	data, err := storage.GetBytes(ctx, c.blobs, image.ImagePath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NewCacheError(
			fmt.Sprintf("cached page %d of document %s is missing from storage", image.PageNumber, image.DocumentID), err)
	}
	if err != nil {
		return nil, domain.NewStorageError("download cached page", err)
	}
	if len(data) == 0 {
		return nil, domain.NewCacheError(
			fmt.Sprintf("cached page %d of document %s is empty", image.PageNumber, image.DocumentID), nil)
	}
	return data, nil
}

// Store uploads a page and records it. Storing the same page again overwrites it.
func (c *Cache) Store(ctx context.Context, documentID string, pageNumber int, png []byte) (*domain.ConvertedImage, error) {
	path := PagePath(documentID, pageNumber)
	if err := storage.PutBytes(ctx, c.blobs, path, png, pngContentType); err != nil {
		return nil, domain.NewStorageError("upload page image", err)
	}

	image := &domain.ConvertedImage{
		DocumentID: documentID,
		PageNumber: pageNumber,
		ImagePath:  path,
	}
	if err := c.images.UpsertConvertedImage(ctx, image); err != nil {
		return nil, domain.NewStorageError("record converted image", err)
	}
	return image, nil
}
