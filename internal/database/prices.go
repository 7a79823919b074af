package database

import (
	"context"
	"fmt"
	"time"
)

// FetchLatestPrices loads the newest price row per source product in one
// DISTINCT ON query. Used both for signature dedup and for price-drop
// comparisons.
func FetchLatestPrices(ctx context.Context, sourceProductIDs []string) (map[string]LastPrice, error) {
	if len(sourceProductIDs) == 0 {
		return nil, nil
	}

	rows, err := Pool().Query(ctx, `
		SELECT DISTINCT ON (source_product_id)
		       source_product_id, price_signature_hash, created_at, price, in_stock, currency
		FROM prices
		WHERE source_product_id = ANY($1) AND ingestion_run_type = $2
		ORDER BY source_product_id, created_at DESC
	`, sourceProductIDs, IngestionRunTypeAffiliateFeed)
	if err != nil {
		return nil, fmt.Errorf("fetch latest prices: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]LastPrice, len(sourceProductIDs))
	for rows.Next() {
		var lp LastPrice
		if err := rows.Scan(&lp.SourceProductID, &lp.PriceSignatureHash, &lp.CreatedAt,
			&lp.Price, &lp.InStock, &lp.Currency); err != nil {
			return nil, err
		}
		latest[lp.SourceProductID] = lp
	}
	return latest, rows.Err()
}

// InsertPrices appends price observations with ignore-on-conflict dedup on
// (source_product_id, price_signature_hash). The returned count is the number
// of rows that actually landed, which is the authoritative prices_written
// metric under retries.
func InsertPrices(ctx context.Context, prices []Price, t0 time.Time) (int64, error) {
	if len(prices) == 0 {
		return 0, nil
	}

	n := len(prices)
	ids := make([]string, n)
	sourceProductIDs := make([]string, n)
	productIDs := make([]*string, n)
	retailerIDs := make([]string, n)
	amounts := make([]float64, n)
	currencies := make([]string, n)
	urls := make([]string, n)
	inStocks := make([]bool, n)
	originalPrices := make([]*float64, n)
	priceTypes := make([]string, n)
	signatures := make([]string, n)
	runIDs := make([]string, n)
	for i, p := range prices {
		ids[i] = p.ID
		sourceProductIDs[i] = p.SourceProductID
		productIDs[i] = p.ProductID
		retailerIDs[i] = p.RetailerID
		amounts[i] = p.Price
		currencies[i] = p.Currency
		urls[i] = p.URL
		inStocks[i] = p.InStock
		originalPrices[i] = p.OriginalPrice
		priceTypes[i] = p.PriceType
		signatures[i] = p.PriceSignatureHash
		runIDs[i] = p.AffiliateFeedRunID
	}

	tag, err := Pool().Exec(ctx, `
		INSERT INTO prices (
			id, source_product_id, product_id, retailer_id,
			price, currency, url, in_stock, original_price, price_type,
			price_signature_hash, ingestion_run_type, affiliate_feed_run_id,
			created_at, observed_at
		)
		SELECT id, source_product_id, product_id, retailer_id,
		       price, currency, url, in_stock, original_price, price_type,
		       price_signature_hash, $1, affiliate_feed_run_id, $2, $2
		FROM unnest(
			$3::text[], $4::text[], $5::text[], $6::text[],
			$7::numeric[], $8::text[], $9::text[], $10::bool[], $11::numeric[], $12::text[],
			$13::text[], $14::text[]
		) AS t(id, source_product_id, product_id, retailer_id,
		       price, currency, url, in_stock, original_price, price_type,
		       price_signature_hash, affiliate_feed_run_id)
		ON CONFLICT (source_product_id, price_signature_hash)
			WHERE ingestion_run_type = 'AFFILIATE_FEED'
			DO NOTHING
	`, IngestionRunTypeAffiliateFeed, t0,
		ids, sourceProductIDs, productIDs, retailerIDs,
		amounts, currencies, urls, inStocks, originalPrices, priceTypes,
		signatures, runIDs)
	if err != nil {
		return 0, fmt.Errorf("insert prices: %w", err)
	}
	return tag.RowsAffected(), nil
}
