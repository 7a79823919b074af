package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/calibermatch/feed-service/internal/database"
	"github.com/calibermatch/feed-service/internal/parse"
)

func boolPtr(b bool) *bool { return &b }

func strPtr(s string) *string { return &s }

func prior(price float64, currency string, inStock *bool, sig string, age time.Duration, t0 time.Time) database.LastPrice {
	return database.LastPrice{
		SourceProductID:    "sp_1",
		PriceSignatureHash: sig,
		CreatedAt:          t0.Add(-age),
		Price:              price,
		InStock:            inStock,
		Currency:           currency,
	}
}

func TestNeedsPriceRowFirstSighting(t *testing.T) {
	t0 := time.Now().UTC()
	assert.True(t, needsPriceRow(database.LastPrice{}, false, "sigA", true, t0, 24))
}

func TestNeedsPriceRowSignatureChange(t *testing.T) {
	t0 := time.Now().UTC()
	p := prior(29.99, "USD", boolPtr(true), "sigA", time.Hour, t0)
	assert.True(t, needsPriceRow(p, true, "sigB", true, t0, 24))
}

func TestNeedsPriceRowStockFlip(t *testing.T) {
	t0 := time.Now().UTC()
	p := prior(29.99, "USD", boolPtr(false), "sigA", time.Hour, t0)
	assert.True(t, needsPriceRow(p, true, "sigA", true, t0, 24))
}

func TestNeedsPriceRowUnknownPriorStockWrites(t *testing.T) {
	t0 := time.Now().UTC()
	p := prior(29.99, "USD", nil, "sigA", time.Hour, t0)
	assert.True(t, needsPriceRow(p, true, "sigA", true, t0, 24))
}

func TestNeedsPriceRowHeartbeat(t *testing.T) {
	t0 := time.Now().UTC()
	fresh := prior(29.99, "USD", boolPtr(true), "sigA", 23*time.Hour, t0)
	stale := prior(29.99, "USD", boolPtr(true), "sigA", 25*time.Hour, t0)
	assert.False(t, needsPriceRow(fresh, true, "sigA", true, t0, 24))
	assert.True(t, needsPriceRow(stale, true, "sigA", true, t0, 24))
}

func TestDetectPriceDropSameCurrency(t *testing.T) {
	t0 := time.Now().UTC()
	p := prior(29.99, "USD", boolPtr(true), "sigA", time.Hour, t0)
	det := detectAlerts(p, true, strPtr("prod_1"), "USD", 24.99, true)
	assert.True(t, det.priceDrop)
	assert.False(t, det.backInStock)
	assert.Equal(t, AlertSkips{}, det.skips)
}

func TestDetectCurrencyMismatchFailsClosed(t *testing.T) {
	t0 := time.Now().UTC()
	p := prior(29.99, "USD", boolPtr(true), "sigA", time.Hour, t0)
	det := detectAlerts(p, true, strPtr("prod_1"), "CAD", 19.99, true)
	assert.False(t, det.priceDrop)
	assert.Equal(t, 1, det.skips.CurrencyMismatch)
}

func TestDetectEmptyCurrencyFailsClosed(t *testing.T) {
	t0 := time.Now().UTC()
	p := prior(29.99, "", boolPtr(true), "sigA", time.Hour, t0)
	det := detectAlerts(p, true, strPtr("prod_1"), "", 19.99, true)
	assert.False(t, det.priceDrop)
	assert.Equal(t, 1, det.skips.CurrencyMismatch)
}

func TestDetectBackInStock(t *testing.T) {
	t0 := time.Now().UTC()
	p := prior(29.99, "USD", boolPtr(false), "sigA", time.Hour, t0)
	det := detectAlerts(p, true, strPtr("prod_1"), "USD", 29.99, true)
	assert.True(t, det.backInStock)
	assert.False(t, det.priceDrop)
}

func TestDetectUnknownPriorStockSuppressed(t *testing.T) {
	t0 := time.Now().UTC()
	p := prior(29.99, "USD", nil, "sigA", time.Hour, t0)
	det := detectAlerts(p, true, strPtr("prod_1"), "USD", 29.99, true)
	assert.False(t, det.backInStock)
	assert.Equal(t, 1, det.skips.UnknownPriorState)
}

func TestDetectNoProductLinkSkipsEverything(t *testing.T) {
	t0 := time.Now().UTC()
	p := prior(29.99, "USD", boolPtr(false), "sigA", time.Hour, t0)
	det := detectAlerts(p, true, nil, "USD", 9.99, true)
	assert.False(t, det.priceDrop)
	assert.False(t, det.backInStock)
	assert.Equal(t, 1, det.skips.NullProductID)
}

func TestDetectNewProductSkips(t *testing.T) {
	det := detectAlerts(database.LastPrice{}, false, strPtr("prod_1"), "USD", 9.99, true)
	assert.False(t, det.priceDrop)
	assert.False(t, det.backInStock)
	assert.Equal(t, 1, det.skips.NewProduct)
}

func TestPrescanLastRowWins(t *testing.T) {
	p := New(nil, Config{})
	in := Input{
		Products: []parse.ParsedProduct{
			{RowNumber: 2, SKU: "ABC", URL: "https://shop.example.com/a", Price: 10, Title: "first"},
			{RowNumber: 3, SKU: "XYZ", URL: "https://shop.example.com/b", Price: 20, Title: "other"},
			{RowNumber: 4, SKU: "ABC", URL: "https://shop.example.com/a", Price: 12, Title: "latest"},
		},
	}
	out := &Output{}

	rows := p.prescan(in, out)

	assert.Len(t, rows, 2)
	assert.Equal(t, 1, out.DuplicateKeyCount)
	titles := []string{rows[0].product.Title, rows[1].product.Title}
	assert.Contains(t, titles, "latest")
	assert.Contains(t, titles, "other")
	assert.NotContains(t, titles, "first")
}

func TestPrescanCountsURLHashFallbacks(t *testing.T) {
	p := New(nil, Config{})
	in := Input{
		Products: []parse.ParsedProduct{
			{RowNumber: 2, URL: "https://shop.example.com/a", Price: 10},
			{RowNumber: 3, SKU: "HAS-SKU", URL: "https://shop.example.com/b", Price: 20},
		},
	}
	out := &Output{}

	rows := p.prescan(in, out)

	assert.Len(t, rows, 2)
	assert.Equal(t, 1, out.URLHashFallbackCount)
}
