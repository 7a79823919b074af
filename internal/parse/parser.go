// Package parse turns raw tabular feed bytes into a sequence of validated
// ParsedProducts. Comma-separated input only; headers in the first row with a
// known alias set per logical field.
package parse

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/calibermatch/feed-service/internal/identity"
)

// columnAliases maps each logical field to the header spellings seen across
// affiliate networks. Lookup is case-insensitive after collapsing separators.
var columnAliases = map[string][]string{
	"name":          {"name", "title", "product name", "productname", "item name"},
	"url":           {"url", "link", "producturl", "product url", "buy link", "landing page url"},
	"price":         {"price", "current price", "sale price", "our price"},
	"originalPrice": {"original price", "msrp", "list price", "regular price", "retail price", "was price"},
	"imageUrl":      {"image", "image url", "imageurl", "image link", "thumbnail"},
	"brand":         {"brand", "manufacturer", "maker", "mfg"},
	"category":      {"category", "product category", "product type", "department"},
	"caliber":       {"caliber", "calibre", "cartridge"},
	"grainWeight":   {"grain", "grains", "grain weight", "bullet weight"},
	"roundCount":    {"rounds", "round count", "roundcount", "rds", "quantity", "count"},
	"description":   {"description", "product description", "long description", "details"},
	"sku":           {"sku", "item sku", "item number", "mpn"},
	"upc":           {"upc", "upc code", "barcode", "ean", "gtin"},
	"networkItemId": {"id", "item id", "network id", "network item id", "product id", "offer id"},
	"stock":         {"stock", "in stock", "instock", "availability", "stock status", "available"},
}

// Parse parses feed bytes into validated products. A nil error with row-level
// diagnostics is the normal outcome for malformed rows; a non-nil error means
// the file itself is unusable (unclosed quote, missing required headers) and
// the run should fail PERMANENT.
func Parse(content []byte, maxRows int, feedID string) (*Result, error) {
	decoded, err := decode(content)
	if err != nil {
		return nil, fmt.Errorf("decode feed content: %w", err)
	}

	lines := splitLines(decoded)
	if len(lines) == 0 {
		return &Result{}, nil
	}

	headerFields, ok := splitFields(lines[0])
	if !ok {
		return nil, fmt.Errorf("parse header: unclosed quote")
	}
	indices, err := resolveColumns(headerFields)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Products: make([]ParsedProduct, 0, len(lines)-1),
	}
	truncated := false

	for i := 1; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		result.RowsRead++
		rowNumber := i + 1

		if maxRows > 0 && result.RowsRead > maxRows {
			if !truncated {
				truncated = true
				result.Errors = append(result.Errors, RowError{
					RowNumber: rowNumber,
					Code:      CodeTooManyRows,
					Message:   fmt.Sprintf("row count exceeds limit %d, truncating", maxRows),
				})
				log.Warn().
					Str("component", "parser").
					Str("feed_id", feedID).
					Int("max_rows", maxRows).
					Msg("Feed exceeds row limit, truncating")
			}
			continue
		}

		fields, ok := splitFields(line)
		if !ok {
			return nil, fmt.Errorf("parse row %d: unclosed quote", rowNumber)
		}

		product, rowErrs := mapRow(fields, rowNumber, indices)
		if len(rowErrs) > 0 {
			result.Errors = append(result.Errors, rowErrs...)
			continue
		}
		result.Products = append(result.Products, *product)
		result.RowsParsed++
	}

	return result, nil
}

// normalizeHeader collapses a header cell for alias matching: lower-case,
// separators to spaces, whitespace collapsed.
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || r == '.' {
			return ' '
		}
		return r
	}, h)
	return collapseWhitespace(h)
}

// resolveColumns maps logical fields to column indices. name, url and price
// must resolve; everything else is optional.
func resolveColumns(headers []string) (map[string]int, error) {
	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = normalizeHeader(h)
	}

	indices := make(map[string]int)
	for field, aliases := range columnAliases {
		for _, alias := range aliases {
			found := -1
			for i, h := range normalized {
				if h == alias {
					found = i
					break
				}
			}
			if found >= 0 {
				indices[field] = found
				break
			}
		}
	}

	for _, required := range []string{"name", "url", "price"} {
		if _, ok := indices[required]; !ok {
			return nil, fmt.Errorf("invalid feed format: required column %q not found in header", required)
		}
	}
	return indices, nil
}

// mapRow converts one raw row to a ParsedProduct, or per-row diagnostics.
func mapRow(fields []string, rowNumber int, indices map[string]int) (*ParsedProduct, []RowError) {
	get := func(field string) string {
		idx, ok := indices[field]
		if !ok || idx >= len(fields) {
			return ""
		}
		return collapseWhitespace(fields[idx])
	}

	var errs []RowError

	name := get("name")
	if name == "" {
		errs = append(errs, RowError{RowNumber: rowNumber, Code: CodeMissingRequired, Message: "name is required"})
	}

	rawURL := get("url")
	productURL := ""
	if rawURL == "" {
		errs = append(errs, RowError{RowNumber: rowNumber, Code: CodeMissingRequired, Message: "url is required"})
	} else {
		u, err := NormalizeProductURL(rawURL)
		if err != nil {
			errs = append(errs, RowError{RowNumber: rowNumber, Code: CodeInvalidURL, Message: err.Error(), Sample: rawURL})
		} else {
			productURL = u
		}
	}

	var price float64
	rawPrice := get("price")
	if rawPrice == "" {
		errs = append(errs, RowError{RowNumber: rowNumber, Code: CodeMissingRequired, Message: "price is required"})
	} else {
		p, err := NormalizePrice(rawPrice)
		if err != nil {
			errs = append(errs, RowError{RowNumber: rowNumber, Code: CodeInvalidPrice, Message: err.Error(), Sample: rawPrice})
		} else {
			price = p
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	var originalPrice *float64
	if rawOrig := get("originalPrice"); rawOrig != "" {
		if p, err := NormalizePrice(rawOrig); err == nil {
			originalPrice = &p
		}
	}

	priceType := PriceTypeRegular
	if originalPrice != nil && *originalPrice > price {
		priceType = PriceTypeSale
	}

	product := &ParsedProduct{
		RowNumber:     rowNumber,
		Title:         name,
		URL:           productURL,
		ImageURL:      get("imageUrl"),
		Brand:         get("brand"),
		Category:      get("category"),
		Caliber:       get("caliber"),
		GrainWeight:   get("grainWeight"),
		RoundCount:    get("roundCount"),
		Description:   get("description"),
		NetworkItemID: get("networkItemId"),
		SKU:           strings.ToUpper(get("sku")),
		UPC:           identity.NormalizeUPC(get("upc")),
		Price:         price,
		OriginalPrice: originalPrice,
		PriceType:     priceType,
		InStock:       NormalizeStock(get("stock")),
	}
	return product, nil
}

// splitLines normalizes CRLF/CR line endings and drops a trailing empty line.
func splitLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// splitFields splits one comma-separated line handling quoted fields and
// doubled-quote escapes. Returns ok=false when a quote is left unclosed.
func splitFields(line string) ([]string, bool) {
	fields := make([]string, 0, 16)
	var current strings.Builder
	inQuotes := false

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if inQuotes {
			if r == '"' {
				if i+1 < len(runes) && runes[i+1] == '"' {
					current.WriteRune('"')
					i++
					continue
				}
				inQuotes = false
				continue
			}
			current.WriteRune(r)
			continue
		}

		switch r {
		case '"':
			inQuotes = true
		case ',':
			fields = append(fields, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if inQuotes {
		return nil, false
	}
	fields = append(fields, strings.TrimSpace(current.String()))
	return fields, true
}
