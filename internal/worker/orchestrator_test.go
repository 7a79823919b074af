package worker

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calibermatch/feed-service/internal/database"
	"github.com/calibermatch/feed-service/internal/notify"
	"github.com/calibermatch/feed-service/internal/taskqueue"
)

func TestShouldSkipByStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		trigger string
		skip    bool
	}{
		{"draft always skips", database.FeedStatusDraft, database.TriggerManual, true},
		{"enabled scheduled runs", database.FeedStatusEnabled, database.TriggerScheduled, false},
		{"disabled scheduled skips", database.FeedStatusDisabled, database.TriggerScheduled, true},
		{"disabled retry skips", database.FeedStatusDisabled, database.TriggerRetry, true},
		{"disabled manual runs", database.FeedStatusDisabled, database.TriggerManual, false},
		{"disabled admin test runs", database.FeedStatusDisabled, database.TriggerAdminTest, false},
		{"paused scheduled skips", database.FeedStatusPaused, database.TriggerScheduled, true},
		{"paused manual runs", database.FeedStatusPaused, database.TriggerManual, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			skip, _ := shouldSkipByStatus(tt.status, tt.trigger)
			assert.Equal(t, tt.skip, skip)
		})
	}
}

// setupWorkerDB connects to TEST_DATABASE_URL or skips, then applies the
// schema so the full run path can execute against real tables.
func setupWorkerDB(t *testing.T) {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	require.NoError(t, database.Connect(ctx, url, 4, 1, time.Hour, 30*time.Minute))
	t.Cleanup(database.Close)

	ddl, err := os.ReadFile("../../migrations/0001_init.sql")
	require.NoError(t, err)
	_, err = database.Pool().Exec(ctx, string(ddl))
	require.NoError(t, err)
}

func TestRetryWithRunIDReusesTheRun(t *testing.T) {
	setupWorkerDB(t)
	ctx := context.Background()

	// Unreachable host: the run fails at fetch, after the run record exists.
	feedID := "feed_" + uuid.NewString()
	sourceID := "src_" + uuid.NewString()
	lockID := time.Now().UnixNano()
	_, err := database.Pool().Exec(ctx, `
		INSERT INTO feeds (id, source_id, retailer_id, status, transport, host, port, path, feed_lock_id)
		VALUES ($1, $2, $3, 'ENABLED', 'SFTP', '127.0.0.1', 1, '/feed.csv', $4)
	`, feedID, sourceID, "ret_"+uuid.NewString(), lockID)
	require.NoError(t, err)
	t.Cleanup(func() {
		database.Pool().Exec(ctx, `DELETE FROM feed_run_errors
			WHERE run_id IN (SELECT id FROM feed_runs WHERE feed_id = $1)`, feedID)
		database.Pool().Exec(ctx, `DELETE FROM feed_runs WHERE feed_id = $1`, feedID)
		database.Pool().Exec(ctx, `DELETE FROM feeds WHERE id = $1`, feedID)
	})

	t0 := time.Now().UTC()
	runID, err := database.CreateRun(ctx, feedID, sourceID, database.TriggerRetry, uuid.NewString(), t0)
	require.NoError(t, err)

	orch := NewOrchestrator(taskqueue.New(database.Pool()), notify.New(""), nil, Config{})
	payload, err := json.Marshal(taskqueue.RunPayload{
		FeedID:        feedID,
		Trigger:       database.TriggerRetry,
		CorrelationID: uuid.NewString(),
		RunID:         runID,
	})
	require.NoError(t, err)

	err = orch.HandleFeedRun(ctx, uuid.NewString(), payload)
	require.Error(t, err)

	runCount := func() int {
		var n int
		require.NoError(t, database.Pool().QueryRow(ctx,
			`SELECT COUNT(*) FROM feed_runs WHERE feed_id = $1`, feedID).Scan(&n))
		return n
	}
	require.Equal(t, 1, runCount(), "a retry carrying a run id must never mint a second run")

	run, err := database.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, database.RunStatusFailed, run.Status)

	// A late duplicate of the same job finds the run terminal and completes
	// silently, still without a second run.
	require.NoError(t, orch.HandleFeedRun(ctx, uuid.NewString(), payload))
	require.Equal(t, 1, runCount())
}

func TestDecryptCredentialsWithoutCiphertext(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil, Config{})
	pw, err := o.decryptCredentials(&database.Feed{})
	assert.NoError(t, err)
	assert.Empty(t, pw)
}

func TestDecryptCredentialsMissingKeyIsConfigError(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil, Config{})
	_, err := o.decryptCredentials(&database.Feed{CredentialsCiphertext: []byte{0x01}})
	assert.Error(t, err)
}
