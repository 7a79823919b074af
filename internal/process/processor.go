package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calibermatch/feed-service/internal/database"
	"github.com/calibermatch/feed-service/internal/ferrors"
	"github.com/calibermatch/feed-service/internal/identity"
	"github.com/calibermatch/feed-service/internal/parse"
	"github.com/calibermatch/feed-service/internal/pkg/cuid2"
	"github.com/calibermatch/feed-service/internal/taskqueue"
)

const (
	defaultChunkSize      = 1000
	defaultHeartbeatHours = 24
	defaultResolverVer    = 1
)

// Quarantine error code for rows missing the trust-critical field.
const codeMissingCaliber = "MISSING_CALIBER"

// Config carries the processing knobs, resolved once at run start.
type Config struct {
	ChunkSize       int
	HeartbeatHours  int
	MaxRowCount     int
	ResolverVersion int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.HeartbeatHours <= 0 {
		c.HeartbeatHours = defaultHeartbeatHours
	}
	if c.ResolverVersion <= 0 {
		c.ResolverVersion = defaultResolverVer
	}
	return c
}

// Processor turns a parsed product list into durable writes: source products,
// identifiers, presence, seen markers and append-only prices.
type Processor struct {
	queue *taskqueue.TaskQueue
	cfg   Config
}

func New(queue *taskqueue.TaskQueue, cfg Config) *Processor {
	return &Processor{queue: queue, cfg: cfg.withDefaults()}
}

// Input is one run's worth of parsed products plus the run context.
type Input struct {
	RunID      string
	FeedID     string
	SourceID   string
	RetailerID string
	Currency   string
	T0         time.Time
	Products   []parse.ParsedProduct
}

// AlertSkips counts why individual rows produced no alert.
type AlertSkips struct {
	NullProductID     int
	NewProduct        int
	CurrencyMismatch  int
	UnknownPriorState int
	NoChange          int
}

// Output is the Phase 1 result the orchestrator folds into run metrics.
type Output struct {
	ProductsUpserted     int
	PricesWritten        int
	ProductsRejected     int
	DuplicateKeyCount    int
	URLHashFallbackCount int
	QuarantinedCount     int
	Skips                AlertSkips
	RunErrors            []database.RunError
}

// row is one surviving feed row moving through the chunk pipeline.
type row struct {
	product     parse.ParsedProduct
	identity    identity.Identity
	identifiers []identity.Identifier

	sourceProductID string
	productID       *string
}

// Run executes the full Phase 1 pipeline. Chunk failures are contained: the
// chunk's rows are counted as rejected and processing continues. Only the
// memory guard aborts the run.
func (p *Processor) Run(ctx context.Context, in Input) (*Output, error) {
	out := &Output{}

	rows := p.prescan(in, out)

	// Run-local latest-price view, filled lazily one batch query per chunk.
	priceCache := make(map[string]database.LastPrice)

	for start := 0; start < len(rows); start += p.cfg.ChunkSize {
		end := start + p.cfg.ChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		if err := p.processChunk(ctx, in, chunk, priceCache, out); err != nil {
			var fe *ferrors.Error
			if errors.As(err, &fe) && fe.Code == ferrors.CodeTooManyRows {
				return nil, err
			}
			out.ProductsRejected += len(chunk)
			msg := err.Error()
			out.RunErrors = append(out.RunErrors, database.RunError{
				RunID:   in.RunID,
				Code:    ferrors.CodeDatabaseError,
				Message: msg,
			})
			log.Error().
				Str("component", "processor").
				Str("feed_id", in.FeedID).
				Str("run_id", in.RunID).
				Int("chunk_start", start).
				Int("chunk_size", len(chunk)).
				Err(err).
				Msg("Chunk failed, continuing with next chunk")
			continue
		}
	}

	log.Info().
		Str("component", "processor").
		Str("feed_id", in.FeedID).
		Str("run_id", in.RunID).
		Int("products_upserted", out.ProductsUpserted).
		Int("prices_written", out.PricesWritten).
		Int("duplicate_key_count", out.DuplicateKeyCount).
		Int("quarantined_count", out.QuarantinedCount).
		Int("alert_skip_null_product", out.Skips.NullProductID).
		Int("alert_skip_new_product", out.Skips.NewProduct).
		Int("alert_skip_currency_mismatch", out.Skips.CurrencyMismatch).
		Int("alert_skip_unknown_prior", out.Skips.UnknownPriorState).
		Int("alert_skip_no_change", out.Skips.NoChange).
		Msg("Processing complete")
	return out, nil
}

// prescan resolves identity for every parsed row and applies last-row-wins:
// for each canonical identity key only the final occurrence survives. Earlier
// duplicates are counted and dropped.
func (p *Processor) prescan(in Input, out *Output) []row {
	lastIdx := make(map[string]int, len(in.Products))
	resolved := make([]row, len(in.Products))
	for i, prod := range in.Products {
		id, idents := identity.Resolve(identity.Input{
			NetworkItemID: prod.NetworkItemID,
			SKU:           prod.SKU,
			UPC:           prod.UPC,
			URL:           prod.URL,
		})
		resolved[i] = row{product: prod, identity: id, identifiers: idents}
		lastIdx[id.Key()] = i
	}

	rows := make([]row, 0, len(lastIdx))
	for i, r := range resolved {
		if lastIdx[r.identity.Key()] != i {
			out.DuplicateKeyCount++
			continue
		}
		if r.identity.URLHashFallback {
			out.URLHashFallbackCount++
		}
		rows = append(rows, r)
	}
	return rows
}

func (p *Processor) processChunk(ctx context.Context, in Input, chunk []row, priceCache map[string]database.LastPrice, out *Output) error {
	live, err := p.quarantine(ctx, in, chunk, out)
	if err != nil {
		return err
	}
	if len(live) == 0 {
		return nil
	}

	if err := p.upsertProducts(ctx, in, live, out); err != nil {
		return err
	}
	if err := p.matchProducts(ctx, in, live); err != nil {
		return err
	}

	ids := dedupIDs(live)
	if err := database.UpsertPresence(ctx, ids, in.T0); err != nil {
		return err
	}
	if err := database.InsertSeen(ctx, in.RunID, ids); err != nil {
		return err
	}

	if err := p.fillPriceCache(ctx, ids, priceCache); err != nil {
		return err
	}

	return p.writePrices(ctx, in, live, priceCache, out)
}

// quarantine moves rows without a caliber aside and returns the rest.
func (p *Processor) quarantine(ctx context.Context, in Input, chunk []row, out *Output) ([]*row, error) {
	live := make([]*row, 0, len(chunk))
	var quarantined []database.QuarantinedRecord
	for i := range chunk {
		r := &chunk[i]
		if r.product.Caliber == "" {
			payload, _ := json.Marshal(r.product)
			quarantined = append(quarantined, database.QuarantinedRecord{
				FeedID:     in.FeedID,
				MatchKey:   r.identity.Key(),
				RawPayload: payload,
				ErrorCodes: []string{codeMissingCaliber},
			})
			continue
		}
		live = append(live, r)
	}

	if len(quarantined) > 0 {
		if err := database.UpsertQuarantine(ctx, quarantined); err != nil {
			return nil, err
		}
		out.QuarantinedCount += len(quarantined)
	}
	return live, nil
}

// upsertProducts matches incoming rows against existing identifiers, updates
// the matches, inserts the rest with fresh ids and records every identifier.
func (p *Processor) upsertProducts(ctx context.Context, in Input, live []*row, out *Output) error {
	var probes []database.IdentifierProbe
	for i, r := range live {
		for _, ident := range r.identifiers {
			probes = append(probes, database.IdentifierProbe{
				RowIdx:    i,
				IDType:    string(ident.Type),
				IDValue:   ident.Value,
				Namespace: ident.Namespace,
			})
		}
	}

	hits, err := database.FindSourceProductsByIdentifiers(ctx, in.SourceID, probes)
	if err != nil {
		return err
	}

	matched := make(map[int][]string)
	for _, h := range hits {
		matched[h.RowIdx] = append(matched[h.RowIdx], h.SourceProductID)
	}

	var updates, inserts []database.SourceProduct
	for i, r := range live {
		candidates := matched[i]
		switch {
		case len(candidates) == 0:
			r.sourceProductID = cuid2.NewPrefixedID("sp")
			sp := r.toSourceProduct(in)
			sp.CreatedByRunID = in.RunID
			inserts = append(inserts, sp)
		default:
			if len(candidates) > 1 {
				sort.Strings(candidates)
				log.Warn().
					Str("component", "processor").
					Str("feed_id", in.FeedID).
					Str("run_id", in.RunID).
					Str("identity_key", r.identity.Key()).
					Strs("candidate_ids", candidates).
					Str("code", "IDENTIFIER_COLLISION").
					Msg("Multiple source products matched one row, picking smallest id")
			}
			r.sourceProductID = candidates[0]
			updates = append(updates, r.toSourceProduct(in))
		}
	}

	if err := database.UpdateSourceProducts(ctx, updates); err != nil {
		return err
	}
	surviving, err := database.InsertSourceProducts(ctx, inserts)
	if err != nil {
		return err
	}
	// A conflict means the row already existed, usually an orphan from a run
	// that died before its identifier writes. The minted id loses; everything
	// downstream must use the id that actually survived in the store.
	for _, r := range live {
		if id, ok := surviving[r.identity.Key()]; ok {
			r.sourceProductID = id
		}
	}

	var idents []database.SourceProductIdentifier
	for _, r := range live {
		for _, ident := range r.identifiers {
			idents = append(idents, database.SourceProductIdentifier{
				SourceProductID: r.sourceProductID,
				IDType:          string(ident.Type),
				IDValue:         ident.Value,
				Namespace:       ident.Namespace,
				IsCanonical:     ident.Canonical,
				NormalizedValue: ident.Normalized,
			})
		}
	}
	if err := database.InsertIdentifiers(ctx, idents); err != nil {
		return err
	}

	out.ProductsUpserted += len(live)
	return nil
}

func (r *row) toSourceProduct(in Input) database.SourceProduct {
	return database.SourceProduct{
		ID:                 r.sourceProductID,
		SourceID:           in.SourceID,
		IdentityKey:        r.identity.Key(),
		Title:              r.product.Title,
		URL:                r.product.URL,
		NormalizedURL:      identity.NormalizeURL(r.product.URL),
		ImageURL:           r.product.ImageURL,
		Brand:              r.product.Brand,
		Category:           r.product.Category,
		Caliber:            r.product.Caliber,
		GrainWeight:        r.product.GrainWeight,
		RoundCount:         r.product.RoundCount,
		Description:        r.product.Description,
		LastUpdatedByRunID: in.RunID,
	}
}

// matchProducts links source products to canonical products by UPC. Unmatched
// ones are handed to the resolver queue; enqueue failures never fail the
// chunk.
func (p *Processor) matchProducts(ctx context.Context, in Input, live []*row) error {
	var upcs []string
	for _, r := range live {
		if r.product.UPC != "" {
			upcs = append(upcs, r.product.UPC)
		}
	}

	byUPC, err := database.MatchProductsByUPC(ctx, upcs)
	if err != nil {
		return err
	}

	for _, r := range live {
		productID, ok := byUPC[r.product.UPC]
		if r.product.UPC != "" && ok {
			evidence, _ := json.Marshal(map[string]string{"upc": r.product.UPC})
			link := database.ProductLink{
				SourceProductID: r.sourceProductID,
				ProductID:       productID,
				Status:          database.LinkStatusMatched,
				MatchType:       "UPC",
				Confidence:      1.0,
				ResolverVersion: p.cfg.ResolverVersion,
				Evidence:        evidence,
			}
			if err := database.UpsertProductLink(ctx, link); err != nil {
				return err
			}
			pid := productID
			r.productID = &pid
			continue
		}

		_, err := p.queue.Schedule(ctx, taskqueue.ScheduleInput{
			TaskType: taskqueue.TaskTypeResolve,
			Payload: taskqueue.ResolvePayload{
				SourceProductID:    r.sourceProductID,
				Reason:             "INGEST",
				ResolverVersion:    p.cfg.ResolverVersion,
				SourceID:           in.SourceID,
				IdentityKey:        r.identity.Key(),
				AffiliateFeedRunID: in.RunID,
			},
		})
		if err != nil {
			log.Warn().
				Str("component", "processor").
				Str("run_id", in.RunID).
				Str("source_product_id", r.sourceProductID).
				Err(err).
				Msg("Resolver enqueue failed")
		}
	}
	return nil
}

func dedupIDs(live []*row) []string {
	seen := make(map[string]struct{}, len(live))
	ids := make([]string, 0, len(live))
	for _, r := range live {
		if _, ok := seen[r.sourceProductID]; ok {
			continue
		}
		seen[r.sourceProductID] = struct{}{}
		ids = append(ids, r.sourceProductID)
	}
	return ids
}

// fillPriceCache batch-loads the latest price for ids the cache has not seen.
// The cache is never read inside a per-row loop against the database.
func (p *Processor) fillPriceCache(ctx context.Context, ids []string, cache map[string]database.LastPrice) error {
	var missing []string
	for _, id := range ids {
		if _, ok := cache[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return p.guardCacheSize(len(cache))
	}

	latest, err := database.FetchLatestPrices(ctx, missing)
	if err != nil {
		return err
	}
	for id, lp := range latest {
		cache[id] = lp
	}

	return p.guardCacheSize(len(cache))
}

// guardCacheSize bounds the run-local cache. A size equal to the limit is
// fine; one entry past it aborts the run.
func (p *Processor) guardCacheSize(size int) error {
	if p.cfg.MaxRowCount > 0 && size > p.cfg.MaxRowCount {
		return ferrors.Permanent(ferrors.CodeTooManyRows,
			fmt.Sprintf("price cache exceeded max row count %d", p.cfg.MaxRowCount))
	}
	return nil
}

// writePrices decides which rows need a new price observation, inserts them
// in one statement and fans out alerts computed against the pre-update cache.
func (p *Processor) writePrices(ctx context.Context, in Input, live []*row, cache map[string]database.LastPrice, out *Output) error {
	type pendingAlert struct {
		taskType taskqueue.TaskType
		payload  taskqueue.AlertPayload
	}

	var toWrite []database.Price
	var alerts []pendingAlert
	written := make(map[string]database.LastPrice)

	for _, r := range live {
		sig := identity.PriceSignature(r.product.Price, in.Currency, r.product.OriginalPrice)
		prior, hasPrior := cache[r.sourceProductID]

		write := needsPriceRow(prior, hasPrior, sig, r.product.InStock, in.T0, p.cfg.HeartbeatHours)
		if write {
			toWrite = append(toWrite, database.Price{
				ID:                 cuid2.NewPrefixedID("price"),
				SourceProductID:    r.sourceProductID,
				ProductID:          r.productID,
				RetailerID:         in.RetailerID,
				Price:              r.product.Price,
				Currency:           in.Currency,
				URL:                r.product.URL,
				InStock:            r.product.InStock,
				OriginalPrice:      r.product.OriginalPrice,
				PriceType:          r.product.PriceType,
				PriceSignatureHash: sig,
				AffiliateFeedRunID: in.RunID,
			})
			stock := r.product.InStock
			written[r.sourceProductID] = database.LastPrice{
				SourceProductID:    r.sourceProductID,
				PriceSignatureHash: sig,
				CreatedAt:          in.T0,
				Price:              r.product.Price,
				InStock:            &stock,
				Currency:           in.Currency,
			}
		} else {
			out.Skips.NoChange++
		}

		// Alert detection uses the prior cache entry, never the row we are
		// about to write.
		det := detectAlerts(prior, hasPrior, r.productID, in.Currency, r.product.Price, r.product.InStock)
		out.Skips.add(det.skips)
		if det.priceDrop {
			old, newPrice := prior.Price, r.product.Price
			alerts = append(alerts, pendingAlert{
				taskType: taskqueue.TaskTypePriceDrop,
				payload: taskqueue.AlertPayload{
					ExecutionID: in.RunID,
					ProductID:   *r.productID,
					OldPrice:    &old,
					NewPrice:    &newPrice,
				},
			})
		}
		if det.backInStock {
			stock := true
			alerts = append(alerts, pendingAlert{
				taskType: taskqueue.TaskTypeBackInStock,
				payload: taskqueue.AlertPayload{
					ExecutionID: in.RunID,
					ProductID:   *r.productID,
					InStock:     &stock,
				},
			})
		}
	}

	count, err := database.InsertPrices(ctx, toWrite, in.T0)
	if err != nil {
		return err
	}
	out.PricesWritten += int(count)

	// Later chunks must see this chunk's writes.
	for id, lp := range written {
		cache[id] = lp
	}

	for _, a := range alerts {
		if _, err := p.queue.Schedule(ctx, taskqueue.ScheduleInput{
			TaskType: a.taskType,
			Payload:  a.payload,
		}); err != nil {
			log.Warn().
				Str("component", "processor").
				Str("run_id", in.RunID).
				Str("task_type", string(a.taskType)).
				Err(err).
				Msg("Alert enqueue failed")
		}
	}
	return nil
}
