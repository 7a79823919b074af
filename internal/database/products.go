package database

import (
	"context"
	"fmt"
)

// IdentifierProbe is one (row, identifier) tuple used to look up existing
// source products in a single batch query.
type IdentifierProbe struct {
	RowIdx    int
	IDType    string
	IDValue   string
	Namespace string
}

// IdentifierHit maps a probe row back to an existing source product.
type IdentifierHit struct {
	RowIdx          int
	SourceProductID string
}

// FindSourceProductsByIdentifiers resolves incoming rows to existing source
// products in the same source by any of their identifier tuples. One query
// per chunk, never per row.
func FindSourceProductsByIdentifiers(ctx context.Context, sourceID string, probes []IdentifierProbe) ([]IdentifierHit, error) {
	if len(probes) == 0 {
		return nil, nil
	}

	rowIdxs := make([]int, len(probes))
	idTypes := make([]string, len(probes))
	idValues := make([]string, len(probes))
	namespaces := make([]string, len(probes))
	for i, p := range probes {
		rowIdxs[i] = p.RowIdx
		idTypes[i] = p.IDType
		idValues[i] = p.IDValue
		namespaces[i] = p.Namespace
	}

	rows, err := Pool().Query(ctx, `
		SELECT DISTINCT t.row_idx, spi.source_product_id
		FROM unnest($2::int[], $3::text[], $4::text[], $5::text[]) AS t(row_idx, id_type, id_value, namespace)
		JOIN source_product_identifiers spi
		  ON spi.id_type = t.id_type
		 AND spi.id_value = t.id_value
		 AND spi.namespace = t.namespace
		JOIN source_products sp
		  ON sp.id = spi.source_product_id
		 AND sp.source_id = $1
	`, sourceID, rowIdxs, idTypes, idValues, namespaces)
	if err != nil {
		return nil, fmt.Errorf("find source products by identifiers: %w", err)
	}
	defer rows.Close()

	hits := make([]IdentifierHit, 0)
	for rows.Next() {
		var h IdentifierHit
		if err := rows.Scan(&h.RowIdx, &h.SourceProductID); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// InsertSourceProducts bulk-inserts source products with client-generated
// ids. A conflict on (source_id, identity_key) means the row already exists,
// typically created by a run that failed before its identifier writes landed,
// or by another feed sharing the source. The conflict path refreshes the row,
// and RETURNING reports the surviving id per identity key so callers can remap
// rows that were minted with a fresh id.
func InsertSourceProducts(ctx context.Context, products []SourceProduct) (map[string]string, error) {
	if len(products) == 0 {
		return nil, nil
	}

	n := len(products)
	ids := make([]string, n)
	sourceIDs := make([]string, n)
	identityKeys := make([]string, n)
	titles := make([]string, n)
	urls := make([]string, n)
	normalizedURLs := make([]string, n)
	imageURLs := make([]string, n)
	brands := make([]string, n)
	categories := make([]string, n)
	calibers := make([]string, n)
	grainWeights := make([]string, n)
	roundCounts := make([]string, n)
	descriptions := make([]string, n)
	runIDs := make([]string, n)
	for i, p := range products {
		ids[i] = p.ID
		sourceIDs[i] = p.SourceID
		identityKeys[i] = p.IdentityKey
		titles[i] = p.Title
		urls[i] = p.URL
		normalizedURLs[i] = p.NormalizedURL
		imageURLs[i] = p.ImageURL
		brands[i] = p.Brand
		categories[i] = p.Category
		calibers[i] = p.Caliber
		grainWeights[i] = p.GrainWeight
		roundCounts[i] = p.RoundCount
		descriptions[i] = p.Description
		runIDs[i] = p.CreatedByRunID
	}

	rows, err := Pool().Query(ctx, `
		INSERT INTO source_products (
			id, source_id, identity_key, title, url, normalized_url, image_url,
			brand, category, caliber, grain_weight, round_count, description,
			created_by_run_id, last_updated_by_run_id
		)
		SELECT id, source_id, identity_key, title, url, normalized_url, image_url,
		       brand, category, caliber, grain_weight, round_count, description,
		       run_id, run_id
		FROM unnest(
			$1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::text[],
			$8::text[], $9::text[], $10::text[], $11::text[], $12::text[], $13::text[], $14::text[]
		) AS t(id, source_id, identity_key, title, url, normalized_url, image_url,
		       brand, category, caliber, grain_weight, round_count, description, run_id)
		ON CONFLICT (source_id, identity_key) DO UPDATE SET
			title = EXCLUDED.title, url = EXCLUDED.url, normalized_url = EXCLUDED.normalized_url,
			image_url = EXCLUDED.image_url, brand = EXCLUDED.brand, category = EXCLUDED.category,
			caliber = EXCLUDED.caliber, grain_weight = EXCLUDED.grain_weight,
			round_count = EXCLUDED.round_count, description = EXCLUDED.description,
			last_updated_by_run_id = EXCLUDED.last_updated_by_run_id, updated_at = NOW()
		RETURNING identity_key, id
	`, ids, sourceIDs, identityKeys, titles, urls, normalizedURLs, imageURLs,
		brands, categories, calibers, grainWeights, roundCounts, descriptions, runIDs)
	if err != nil {
		return nil, fmt.Errorf("insert source products: %w", err)
	}
	defer rows.Close()

	surviving := make(map[string]string, len(products))
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, err
		}
		surviving[key] = id
	}
	return surviving, rows.Err()
}

// UpdateSourceProducts refreshes the denormalized fields of matched source
// products in one unnest-driven batch UPDATE.
func UpdateSourceProducts(ctx context.Context, products []SourceProduct) error {
	if len(products) == 0 {
		return nil
	}

	n := len(products)
	ids := make([]string, n)
	titles := make([]string, n)
	urls := make([]string, n)
	normalizedURLs := make([]string, n)
	imageURLs := make([]string, n)
	brands := make([]string, n)
	categories := make([]string, n)
	calibers := make([]string, n)
	grainWeights := make([]string, n)
	roundCounts := make([]string, n)
	descriptions := make([]string, n)
	runIDs := make([]string, n)
	for i, p := range products {
		ids[i] = p.ID
		titles[i] = p.Title
		urls[i] = p.URL
		normalizedURLs[i] = p.NormalizedURL
		imageURLs[i] = p.ImageURL
		brands[i] = p.Brand
		categories[i] = p.Category
		calibers[i] = p.Caliber
		grainWeights[i] = p.GrainWeight
		roundCounts[i] = p.RoundCount
		descriptions[i] = p.Description
		runIDs[i] = p.LastUpdatedByRunID
	}

	_, err := Pool().Exec(ctx, `
		UPDATE source_products sp
		SET title = u.title, url = u.url, normalized_url = u.normalized_url,
		    image_url = u.image_url, brand = u.brand, category = u.category,
		    caliber = u.caliber, grain_weight = u.grain_weight, round_count = u.round_count,
		    description = u.description, last_updated_by_run_id = u.run_id, updated_at = NOW()
		FROM unnest(
			$1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[],
			$7::text[], $8::text[], $9::text[], $10::text[], $11::text[], $12::text[]
		) AS u(id, title, url, normalized_url, image_url, brand,
		       category, caliber, grain_weight, round_count, description, run_id)
		WHERE sp.id = u.id
	`, ids, titles, urls, normalizedURLs, imageURLs, brands,
		categories, calibers, grainWeights, roundCounts, descriptions, runIDs)
	if err != nil {
		return fmt.Errorf("update source products: %w", err)
	}
	return nil
}

// InsertIdentifiers inserts the full identifier set for a chunk with
// ignore-on-conflict semantics.
func InsertIdentifiers(ctx context.Context, idents []SourceProductIdentifier) error {
	if len(idents) == 0 {
		return nil
	}

	n := len(idents)
	productIDs := make([]string, n)
	idTypes := make([]string, n)
	idValues := make([]string, n)
	namespaces := make([]string, n)
	canonicals := make([]bool, n)
	normalized := make([]string, n)
	for i, id := range idents {
		productIDs[i] = id.SourceProductID
		idTypes[i] = id.IDType
		idValues[i] = id.IDValue
		namespaces[i] = id.Namespace
		canonicals[i] = id.IsCanonical
		normalized[i] = id.NormalizedValue
	}

	_, err := Pool().Exec(ctx, `
		INSERT INTO source_product_identifiers
			(source_product_id, id_type, id_value, namespace, is_canonical, normalized_value)
		SELECT source_product_id, id_type, id_value, namespace, is_canonical, normalized_value
		FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::bool[], $6::text[])
			AS t(source_product_id, id_type, id_value, namespace, is_canonical, normalized_value)
		ON CONFLICT (source_product_id, id_type, id_value, namespace) DO NOTHING
	`, productIDs, idTypes, idValues, namespaces, canonicals, normalized)
	if err != nil {
		return fmt.Errorf("insert source product identifiers: %w", err)
	}
	return nil
}

// MatchProductsByUPC resolves normalized UPCs against the canonical product
// table. Returns upc -> product id for the matches.
func MatchProductsByUPC(ctx context.Context, upcs []string) (map[string]string, error) {
	if len(upcs) == 0 {
		return nil, nil
	}

	rows, err := Pool().Query(ctx, `
		SELECT upc, id FROM products WHERE upc = ANY($1)
	`, upcs)
	if err != nil {
		return nil, fmt.Errorf("match products by upc: %w", err)
	}
	defer rows.Close()

	matches := make(map[string]string)
	for rows.Next() {
		var upc, id string
		if err := rows.Scan(&upc, &id); err != nil {
			return nil, err
		}
		matches[upc] = id
	}
	return matches, rows.Err()
}

// UpsertProductLink writes a source-product-to-product link with a WHERE-guard
// that never overwrites CREATED and never repoints MATCHED at a different
// product. Re-linking the same product is idempotent.
func UpsertProductLink(ctx context.Context, link ProductLink) error {
	_, err := Pool().Exec(ctx, `
		INSERT INTO product_links
			(source_product_id, product_id, status, match_type, confidence, resolver_version, evidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_product_id) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			status = EXCLUDED.status,
			match_type = EXCLUDED.match_type,
			confidence = EXCLUDED.confidence,
			resolver_version = EXCLUDED.resolver_version,
			evidence = EXCLUDED.evidence,
			updated_at = NOW()
		WHERE product_links.status <> $8
		  AND NOT (product_links.status = $9 AND product_links.product_id <> EXCLUDED.product_id)
	`, link.SourceProductID, link.ProductID, link.Status, link.MatchType,
		link.Confidence, link.ResolverVersion, link.Evidence,
		LinkStatusCreated, LinkStatusMatched)
	if err != nil {
		return fmt.Errorf("upsert product link: %w", err)
	}
	return nil
}

// UpsertQuarantine rewrites quarantined rows with the latest raw payload,
// idempotent on (feed_id, match_key).
func UpsertQuarantine(ctx context.Context, recs []QuarantinedRecord) error {
	if len(recs) == 0 {
		return nil
	}

	n := len(recs)
	feedIDs := make([]string, n)
	matchKeys := make([]string, n)
	payloads := make([][]byte, n)
	codes := make([][]string, n)
	for i, r := range recs {
		feedIDs[i] = r.FeedID
		matchKeys[i] = r.MatchKey
		payloads[i] = r.RawPayload
		codes[i] = r.ErrorCodes
	}

	_, err := Pool().Exec(ctx, `
		INSERT INTO quarantined_records (feed_id, match_key, raw_payload, error_codes)
		SELECT feed_id, match_key, raw_payload::jsonb, string_to_array(error_codes, ',')
		FROM unnest($1::text[], $2::text[], $3::text[], $4::text[])
			AS t(feed_id, match_key, raw_payload, error_codes)
		ON CONFLICT (feed_id, match_key) DO UPDATE SET
			raw_payload = EXCLUDED.raw_payload,
			error_codes = EXCLUDED.error_codes,
			updated_at = NOW()
	`, feedIDs, matchKeys, payloadsAsText(payloads), codesAsCSV(codes))
	if err != nil {
		return fmt.Errorf("upsert quarantined records: %w", err)
	}
	return nil
}

func payloadsAsText(payloads [][]byte) []string {
	out := make([]string, len(payloads))
	for i, p := range payloads {
		out[i] = string(p)
	}
	return out
}

func codesAsCSV(codes [][]string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		joined := ""
		for j, code := range c {
			if j > 0 {
				joined += ","
			}
			joined += code
		}
		out[i] = joined
	}
	return out
}
