package process

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calibermatch/feed-service/internal/database"
	"github.com/calibermatch/feed-service/internal/ferrors"
)

func cacheOfSize(n int) (map[string]database.LastPrice, []string) {
	cache := make(map[string]database.LastPrice, n)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("sp_%03d", i)
		cache[id] = database.LastPrice{SourceProductID: id}
		ids = append(ids, id)
	}
	return cache, ids
}

func TestPriceCacheAtLimitProceeds(t *testing.T) {
	p := New(nil, Config{MaxRowCount: 3})
	cache, ids := cacheOfSize(3)

	// All ids already cached: no fetch happens, only the bound check.
	require.NoError(t, p.fillPriceCache(context.Background(), ids, cache))
}

func TestPriceCacheOneOverLimitAborts(t *testing.T) {
	p := New(nil, Config{MaxRowCount: 3})
	cache, ids := cacheOfSize(4)

	err := p.fillPriceCache(context.Background(), ids, cache)
	require.Error(t, err)

	var fe *ferrors.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ferrors.CodeTooManyRows, fe.Code)
	assert.False(t, fe.Retryable(), "an oversized feed must not be retried")
}

func TestPriceCacheUnboundedWhenLimitUnset(t *testing.T) {
	p := New(nil, Config{})
	cache, ids := cacheOfSize(50)

	require.NoError(t, p.fillPriceCache(context.Background(), ids, cache))
}
