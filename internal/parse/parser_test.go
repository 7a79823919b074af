package parse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHeader = "Name,URL,Price,SKU,UPC,Caliber,Stock,MSRP\n"

func TestParseBasicFeed(t *testing.T) {
	content := sampleHeader +
		"Federal 9mm 115gr,https://shop.example.com/fed-9mm,24.99,FED-9,012345678905,9mm Luger,in stock,29.99\n" +
		"CCI .22LR,https://shop.example.com/cci-22,7.49,CCI-22,,22 LR,,\n"

	res, err := Parse([]byte(content), 0, "feed_1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsRead)
	assert.Equal(t, 2, res.RowsParsed)
	require.Len(t, res.Products, 2)

	p := res.Products[0]
	assert.Equal(t, "Federal 9mm 115gr", p.Title)
	assert.Equal(t, 24.99, p.Price)
	assert.Equal(t, "FED-9", p.SKU)
	assert.Equal(t, "012345678905", p.UPC)
	assert.True(t, p.InStock)
	require.NotNil(t, p.OriginalPrice)
	assert.Equal(t, 29.99, *p.OriginalPrice)
	assert.Equal(t, PriceTypeSale, p.PriceType)

	assert.Equal(t, PriceTypeRegular, res.Products[1].PriceType)
	assert.True(t, res.Products[1].InStock, "blank stock defaults in-stock")
}

func TestParseStripsBOMAndCRLF(t *testing.T) {
	content := "\xEF\xBB\xBF" + "Title,Link,Price\r\nAmmo,https://a.example.com/x,10.00\r\n"
	res, err := Parse([]byte(content), 0, "feed_1")
	require.NoError(t, err)
	require.Len(t, res.Products, 1)
	assert.Equal(t, "Ammo", res.Products[0].Title)
}

func TestParseHeaderAliases(t *testing.T) {
	content := "product_name,Buy Link,Current Price\nX,https://a.example.com/x,5\n"
	res, err := Parse([]byte(content), 0, "feed_1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsParsed)
}

func TestParseMissingRequiredHeaderFails(t *testing.T) {
	_, err := Parse([]byte("Name,Price\nX,5\n"), 0, "feed_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

func TestParseRowValidation(t *testing.T) {
	content := sampleHeader +
		",https://a.example.com/x,5,,,,,\n" + // missing name
		"B,https://a.example.com/x,0,,,,,\n" + // price <= 0
		"C,localhost/x,5,,,,,\n" + // loopback URL
		"D,https://nodot/x,5,,,,,\n" + // hostname without dot
		"E,https://a.example.com/ok,\"$1,299.50\",,,,,\n" // messy but valid price

	res, err := Parse([]byte(content), 0, "feed_1")
	require.NoError(t, err)
	assert.Equal(t, 5, res.RowsRead)
	assert.Equal(t, 1, res.RowsParsed)
	require.Len(t, res.Products, 1)
	assert.Equal(t, 1299.5, res.Products[0].Price)

	codes := map[string]int{}
	for _, e := range res.Errors {
		codes[e.Code]++
	}
	assert.Equal(t, 1, codes[CodeMissingRequired])
	assert.Equal(t, 1, codes[CodeInvalidPrice])
	assert.Equal(t, 2, codes[CodeInvalidURL])
}

func TestParseQuotedFieldsAndEscapes(t *testing.T) {
	content := "Name,URL,Price\n" +
		"\"Hornady, Critical \"\"Defense\"\"\",https://a.example.com/h,21.99\n"
	res, err := Parse([]byte(content), 0, "feed_1")
	require.NoError(t, err)
	require.Len(t, res.Products, 1)
	assert.Equal(t, `Hornady, Critical "Defense"`, res.Products[0].Title)
}

func TestParseUnclosedQuoteFailsWholeParse(t *testing.T) {
	content := "Name,URL,Price\n\"Broken,https://a.example.com/h,21.99\n"
	_, err := Parse([]byte(content), 0, "feed_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unclosed quote")
}

func TestParseInconsistentColumnCountsTolerated(t *testing.T) {
	content := "Name,URL,Price\nA,https://a.example.com/a,5,extra,cols\nB,https://a.example.com/b\n"
	res, err := Parse([]byte(content), 0, "feed_1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsParsed, "short row misses price, long row tolerated")
}

func TestParseMaxRowsTruncates(t *testing.T) {
	var b strings.Builder
	b.WriteString("Name,URL,Price\n")
	for i := 0; i < 10; i++ {
		b.WriteString("P,https://a.example.com/p,5\n")
	}

	res, err := Parse([]byte(b.String()), 4, "feed_1")
	require.NoError(t, err)
	assert.Equal(t, 10, res.RowsRead)
	assert.Equal(t, 4, res.RowsParsed)

	var sawTruncation bool
	for _, e := range res.Errors {
		if e.Code == CodeTooManyRows {
			sawTruncation = true
		}
	}
	assert.True(t, sawTruncation)
}

func TestNormalizePrice(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"29.99", 29.99, true},
		{"$1,299.99", 1299.99, true},
		{"29,99 EUR", 29.99, true},
		{"24.999", 25.00, true},
		{"0", 0, false},
		{"-5", 0, false},
		{"free", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, err := NormalizePrice(c.in)
		if c.ok {
			require.NoError(t, err, c.in)
			assert.Equal(t, c.want, got, c.in)
		} else {
			assert.Error(t, err, c.in)
		}
	}
}

func TestNormalizeStock(t *testing.T) {
	assert.False(t, NormalizeStock("Out of Stock"))
	assert.False(t, NormalizeStock("0"))
	assert.True(t, NormalizeStock("yes"))
	assert.True(t, NormalizeStock("IN STOCK"))
	assert.True(t, NormalizeStock("weird-value"), "unrecognized defaults true")
}

func TestDecodeWindows1252Fallback(t *testing.T) {
	// 0xE9 is é in Windows-1252 and invalid standalone UTF-8.
	content := []byte("Name,URL,Price\nCaf\xe9,https://a.example.com/c,5\n")
	res, err := Parse(content, 0, "feed_1")
	require.NoError(t, err)
	require.Len(t, res.Products, 1)
	assert.Equal(t, "Café", res.Products[0].Title)
}
