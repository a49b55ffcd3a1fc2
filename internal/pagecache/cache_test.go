package pagecache

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/claimflow/internal/domain"
	"github.com/timmy/claimflow/internal/storage"
)

type memImages struct {
	rows map[string]map[int]domain.ConvertedImage
}

func newMemImages() *memImages {
	return &memImages{rows: map[string]map[int]domain.ConvertedImage{}}
}

func (m *memImages) ListConvertedImages(ctx context.Context, documentID string) ([]domain.ConvertedImage, error) {
	var out []domain.ConvertedImage
	for _, img := range m.rows[documentID] {
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

func (m *memImages) UpsertConvertedImage(ctx context.Context, image *domain.ConvertedImage) error {
	if m.rows[image.DocumentID] == nil {
		m.rows[image.DocumentID] = map[int]domain.ConvertedImage{}
	}
	m.rows[image.DocumentID][image.PageNumber] = *image
	return nil
}

func TestCache_MissThenHit(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStorage()
	cache := New(blobs, newMemImages())

	pages, err := cache.Lookup(ctx, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, pages)

	_, err = cache.Store(ctx, "doc-1", 2, []byte("two"))
	require.NoError(t, err)
	_, err = cache.Store(ctx, "doc-1", 1, []byte("one"))
	require.NoError(t, err)
	_, err = cache.Store(ctx, "doc-1", 1, []byte("one"))
	require.NoError(t, err)

	pages, err = cache.Lookup(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "converted-images/doc-1/page-1.png", pages[0].ImagePath)
	assert.Equal(t, "image/png", blobs.ContentType(pages[0].ImagePath))

	data, err := cache.Load(ctx, pages[1])
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
}

func TestCache_MissingBlobIsCacheError(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStorage()
	cache := New(blobs, newMemImages())

	img, err := cache.Store(ctx, "doc-1", 1, []byte("one"))
	require.NoError(t, err)
	require.NoError(t, blobs.Delete(ctx, img.ImagePath))

	_, err = cache.Load(ctx, *img)
	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindCache, domain.KindOf(err))
	assert.False(t, domain.IsRetryable(err))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
