package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/calibermatch/feed-service/internal/breaker"
	"github.com/calibermatch/feed-service/internal/database"
	"github.com/calibermatch/feed-service/internal/ferrors"
	"github.com/calibermatch/feed-service/internal/fetch"
	"github.com/calibermatch/feed-service/internal/notify"
	"github.com/calibermatch/feed-service/internal/parse"
	"github.com/calibermatch/feed-service/internal/process"
	"github.com/calibermatch/feed-service/internal/telemetry"
)

// executeRun performs Phase 1 and Phase 2 and finalizes the run on every
// path. The returned error is only for job disposition (retry vs discard);
// the run itself is already terminal when this returns.
func (o *Orchestrator) executeRun(ctx context.Context, feed *database.Feed, runID string, t0 time.Time, correlationID string, logger zerolog.Logger) error {
	fail := func(metrics database.RunMetrics, brk database.BreakerMetrics, err error) error {
		fe := ferrors.Classify(err)
		o.finalizeFailure(ctx, feed, runID, t0, metrics, brk, correlationID, fe)
		return fe
	}

	password, err := o.decryptCredentials(feed)
	if err != nil {
		return fail(database.RunMetrics{}, database.BreakerMetrics{}, err)
	}

	allowFTP, err := database.GetSettingBool(ctx, settingAllowPlainFTP, false)
	if err != nil {
		logger.Warn().Err(err).Msg("Policy read failed, plain FTP stays disabled")
	}

	res, err := fetch.Download(ctx, fetch.Request{
		FeedID:           feed.ID,
		Transport:        fetch.Transport(feed.Transport),
		Host:             feed.Host,
		Port:             feed.Port,
		Path:             feed.Path,
		Username:         feed.Username,
		Password:         password,
		Compression:      feed.Compression,
		MaxFileSizeBytes: feed.MaxFileSizeBytes,
		LastRemoteMtime:  feed.LastRemoteMtime,
		LastRemoteSize:   feed.LastRemoteSize,
		LastContentHash:  feed.LastContentHash,
		AllowPlainFTP:    allowFTP,
	})
	if err != nil {
		return fail(database.RunMetrics{}, database.BreakerMetrics{}, err)
	}

	if res.Skipped {
		logger.Info().Str("skipped_reason", res.SkippedReason).Msg("Run skipped")
		o.finalizeSuccess(ctx, feed, runID, t0, database.RunMetrics{}, database.BreakerMetrics{}, &res.SkippedReason, nil)
		return nil
	}

	maxRows := feed.MaxRowCount
	if maxRows <= 0 {
		maxRows = defaultMaxRowCount
	}

	parsed, err := parse.Parse(res.Content, maxRows, feed.ID)
	if err != nil {
		return fail(database.RunMetrics{}, database.BreakerMetrics{}, err)
	}

	metrics := database.RunMetrics{
		RowsRead:   parsed.RowsRead,
		RowsParsed: parsed.RowsParsed,
	}

	runErrors := make([]database.RunError, 0, len(parsed.Errors))
	for _, re := range parsed.Errors {
		rowNum := re.RowNumber
		var sample *string
		if re.Sample != "" {
			s := re.Sample
			sample = &s
		}
		runErrors = append(runErrors, database.RunError{
			RunID:     runID,
			Code:      re.Code,
			Message:   re.Message,
			RowNumber: &rowNum,
			Sample:    sample,
		})
	}

	currency := feed.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	proc := process.New(o.queue, process.Config{
		ChunkSize:       o.cfg.ChunkSize,
		HeartbeatHours:  o.cfg.HeartbeatHours,
		MaxRowCount:     maxRows,
		ResolverVersion: o.cfg.ResolverVersion,
	})
	pout, err := proc.Run(ctx, process.Input{
		RunID:      runID,
		FeedID:     feed.ID,
		SourceID:   feed.SourceID,
		RetailerID: feed.RetailerID,
		Currency:   currency,
		T0:         t0,
		Products:   parsed.Products,
	})
	if err != nil {
		metrics.ErrorCount = len(runErrors)
		o.insertRunErrors(ctx, runID, runErrors, logger)
		return fail(metrics, database.BreakerMetrics{}, err)
	}

	runErrors = append(runErrors, pout.RunErrors...)
	metrics.ProductsUpserted = pout.ProductsUpserted
	metrics.PricesWritten = pout.PricesWritten
	metrics.ProductsRejected = pout.ProductsRejected + pout.QuarantinedCount
	metrics.DuplicateKeyCount = pout.DuplicateKeyCount
	metrics.URLHashFallbackCount = pout.URLHashFallbackCount
	metrics.ErrorCount = len(runErrors)
	o.insertRunErrors(ctx, runID, runErrors, logger)
	telemetry.QuarantinedRowsTotal.Add(float64(pout.QuarantinedCount))

	// A feed that read rows but upserted nothing is a failure: either every
	// row was invalid or the upserts themselves failed. The content hash must
	// not be memoized, otherwise the broken file would be skipped forever.
	if parsed.RowsRead > 0 && pout.ProductsUpserted == 0 {
		code := ferrors.CodeUpsertFailure
		if parsed.RowsParsed == 0 {
			code = ferrors.CodeValidationFailure
		}
		fe := ferrors.Permanent(code, "rows were read but no products were upserted")
		o.finalizeFailure(ctx, feed, runID, t0, metrics, database.BreakerMetrics{}, correlationID, fe)
		return fe
	}

	var brk database.BreakerMetrics
	if parsed.RowsRead > 0 {
		bres, err := breaker.Run(ctx, runID, feed.ID, feed.SourceID, feed.ExpiryHours, t0,
			pout.URLHashFallbackCount, pout.ProductsUpserted)
		if err != nil {
			return fail(metrics, database.BreakerMetrics{}, err)
		}
		brk = bres.Metrics
		metrics.ProductsPromoted = bres.ProductsPromoted

		if brk.ExpiryBlocked {
			telemetry.BreakerBlocksTotal.WithLabelValues(brk.ExpiryBlockedReason).Inc()
			o.notifier.CircuitBreakerTriggered(ctx, notify.BreakerPayload{
				FeedID:            feed.ID,
				RunID:             runID,
				Reason:            brk.ExpiryBlockedReason,
				ActiveCountBefore: brk.ActiveCountBefore,
				SeenSuccessCount:  brk.SeenSuccessCount,
				WouldExpireCount:  brk.WouldExpireCount,
			})
		}
	}

	o.finalizeSuccess(ctx, feed, runID, t0, metrics, brk, nil, res)
	return nil
}

func (o *Orchestrator) decryptCredentials(feed *database.Feed) (string, error) {
	if len(feed.CredentialsCiphertext) == 0 {
		return "", nil
	}
	if o.cipher == nil {
		return "", ferrors.Config(ferrors.CodeBadConfig, "credentials present but encryption key not configured")
	}
	plain, err := o.cipher.Open(feed.CredentialsCiphertext)
	if err != nil {
		return "", ferrors.Config(ferrors.CodeBadConfig, "credentials cannot be decrypted")
	}
	return string(plain), nil
}

func (o *Orchestrator) insertRunErrors(ctx context.Context, runID string, errs []database.RunError, logger zerolog.Logger) {
	if err := database.InsertRunErrors(ctx, runID, errs); err != nil {
		logger.Warn().Err(err).Msg("Storing run diagnostics failed")
	}
}

// finalizeSuccess writes the terminal run record and the feed bookkeeping.
// The change-detection memo is written only here, and only for runs that
// genuinely processed content (fetchResult != nil).
func (o *Orchestrator) finalizeSuccess(ctx context.Context, feed *database.Feed, runID string, t0 time.Time, metrics database.RunMetrics, brk database.BreakerMetrics, skippedReason *string, fetchResult *fetch.Result) {
	err := database.FinalizeRun(ctx, runID, t0, database.RunFinal{
		Status:        database.RunStatusSucceeded,
		Metrics:       metrics,
		Breaker:       brk,
		SkippedReason: skippedReason,
	})
	if err != nil {
		log.Error().Str("run_id", runID).Err(err).Msg("Finalize failed")
		return
	}

	if err := database.DeleteSeen(ctx, runID); err != nil {
		log.Warn().Str("run_id", runID).Err(err).Msg("Seen-set cleanup failed")
	}

	if fetchResult != nil {
		size := fetchResult.Size
		if err := database.MemoizeChangeDetection(ctx, feed.ID, fetchResult.Mtime, &size, fetchResult.ContentHash); err != nil {
			log.Warn().Str("feed_id", feed.ID).Err(err).Msg("Memoizing change detection failed")
		}
	}

	if err := database.MarkRunSucceeded(ctx, feed.ID, t0, feed.ScheduleFrequencyHours); err != nil {
		log.Warn().Str("feed_id", feed.ID).Err(err).Msg("Feed bookkeeping failed")
	}

	if feed.ConsecutiveFailures > 0 && skippedReason == nil {
		o.notifier.FeedRecovered(ctx, notify.RecoveredPayload{
			FeedID:           feed.ID,
			RunID:            runID,
			PreviousFailures: feed.ConsecutiveFailures,
		})
	}

	telemetry.RunsTotal.WithLabelValues(database.RunStatusSucceeded).Inc()
	if skippedReason != nil {
		telemetry.RunsSkippedTotal.WithLabelValues(*skippedReason).Inc()
	}
	telemetry.RunDuration.Observe(time.Since(t0).Seconds())
	telemetry.PricesWrittenTotal.Add(float64(metrics.PricesWritten))
	telemetry.ProductsPromotedTotal.Add(float64(metrics.ProductsPromoted))

	log.Info().
		Str("component", "orchestrator").
		Str("feed_id", feed.ID).
		Str("run_id", runID).
		Int("rows_read", metrics.RowsRead).
		Int("products_upserted", metrics.ProductsUpserted).
		Int("prices_written", metrics.PricesWritten).
		Int("products_promoted", metrics.ProductsPromoted).
		Bool("expiry_blocked", brk.ExpiryBlocked).
		Msg("Run succeeded")
}

// finalizeFailure writes the terminal run record, advances the failure
// streak, auto-disables at the threshold and notifies.
func (o *Orchestrator) finalizeFailure(ctx context.Context, feed *database.Feed, runID string, t0 time.Time, metrics database.RunMetrics, brk database.BreakerMetrics, correlationID string, fe *ferrors.Error) {
	kind := string(fe.Kind)
	err := database.FinalizeRun(ctx, runID, t0, database.RunFinal{
		Status:         database.RunStatusFailed,
		Metrics:        metrics,
		Breaker:        brk,
		FailureKind:    &kind,
		FailureCode:    &fe.Code,
		FailureMessage: strPtr(fe.Message),
	})
	if err != nil {
		log.Error().Str("run_id", runID).Err(err).Msg("Finalize failed")
	}

	if err := database.DeleteSeen(ctx, runID); err != nil {
		log.Warn().Str("run_id", runID).Err(err).Msg("Seen-set cleanup failed")
	}

	failures, err := database.MarkRunFailed(ctx, feed.ID, t0, feed.ScheduleFrequencyHours)
	if err != nil {
		log.Warn().Str("feed_id", feed.ID).Err(err).Msg("Feed bookkeeping failed")
	}

	o.notifier.FeedRunFailed(ctx, notify.RunFailedPayload{
		FeedID:         feed.ID,
		RunID:          runID,
		FailureKind:    kind,
		FailureCode:    fe.Code,
		FailureMessage: fe.Message,
		CorrelationID:  correlationID,
	})

	if failures >= autoDisableThreshold {
		if err := database.DisableFeed(ctx, feed.ID); err != nil {
			log.Error().Str("feed_id", feed.ID).Err(err).Msg("Auto-disable failed")
		} else {
			telemetry.FeedsAutoDisabledTotal.Inc()
			o.notifier.FeedAutoDisabled(ctx, notify.AutoDisabledPayload{
				FeedID:              feed.ID,
				RunID:               runID,
				ConsecutiveFailures: failures,
			})
			log.Warn().
				Str("component", "orchestrator").
				Str("feed_id", feed.ID).
				Int("consecutive_failures", failures).
				Msg("Feed auto-disabled")
		}
	}

	telemetry.RunsTotal.WithLabelValues(database.RunStatusFailed).Inc()
	telemetry.RunDuration.Observe(time.Since(t0).Seconds())

	log.Error().
		Str("component", "orchestrator").
		Str("feed_id", feed.ID).
		Str("run_id", runID).
		Str("failure_kind", kind).
		Str("failure_code", fe.Code).
		Str("correlation_id", correlationID).
		Msg("Run failed")
}

func strPtr(s string) *string { return &s }
