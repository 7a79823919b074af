package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// setupDB connects to TEST_DATABASE_URL or skips, then applies the schema.
// Tests isolate through unique source ids and clean up the rows they create.
func setupDB(t *testing.T) {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	require.NoError(t, Connect(ctx, url, 4, 1, time.Hour, 30*time.Minute))
	t.Cleanup(Close)

	ddl, err := os.ReadFile("../../migrations/0001_init.sql")
	require.NoError(t, err)
	_, err = Pool().Exec(ctx, string(ddl))
	require.NoError(t, err)
}

func TestInsertSourceProductsReturnsSurvivingID(t *testing.T) {
	setupDB(t)
	ctx := context.Background()

	sourceID := "src_" + uuid.NewString()
	key := "sku:" + uuid.NewString()
	t.Cleanup(func() {
		Pool().Exec(ctx, `DELETE FROM source_products WHERE source_id = $1`, sourceID)
	})

	first := SourceProduct{
		ID:             "sp_" + uuid.NewString(),
		SourceID:       sourceID,
		IdentityKey:    key,
		Title:          "9mm 115gr FMJ",
		CreatedByRunID: "run_one",
	}
	ids, err := InsertSourceProducts(ctx, []SourceProduct{first})
	require.NoError(t, err)
	require.Equal(t, first.ID, ids[key])

	// A later run that minted a fresh id for the same identity, for example
	// after a crash lost the identifier writes, must get the existing row's
	// id back with the row refreshed in place.
	second := first
	second.ID = "sp_" + uuid.NewString()
	second.Title = "9mm 115gr FMJ 50rd"
	second.CreatedByRunID = "run_two"
	ids, err = InsertSourceProducts(ctx, []SourceProduct{second})
	require.NoError(t, err)
	require.Equal(t, first.ID, ids[key], "existing id must survive the conflict")

	var id, title, updatedBy string
	require.NoError(t, Pool().QueryRow(ctx, `
		SELECT id, title, last_updated_by_run_id
		FROM source_products WHERE source_id = $1 AND identity_key = $2
	`, sourceID, key).Scan(&id, &title, &updatedBy))
	require.Equal(t, first.ID, id)
	require.Equal(t, second.Title, title)
	require.Equal(t, "run_two", updatedBy)

	var count int
	require.NoError(t, Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM source_products WHERE source_id = $1`, sourceID).Scan(&count))
	require.Equal(t, 1, count)
}

func TestInsertSourceProductsSurvivorAcceptsIdentifiers(t *testing.T) {
	setupDB(t)
	ctx := context.Background()

	sourceID := "src_" + uuid.NewString()
	key := "net:" + uuid.NewString()
	t.Cleanup(func() {
		Pool().Exec(ctx, `DELETE FROM source_product_identifiers
			WHERE source_product_id IN (SELECT id FROM source_products WHERE source_id = $1)`, sourceID)
		Pool().Exec(ctx, `DELETE FROM source_products WHERE source_id = $1`, sourceID)
	})

	orphan := SourceProduct{ID: "sp_" + uuid.NewString(), SourceID: sourceID, IdentityKey: key}
	_, err := InsertSourceProducts(ctx, []SourceProduct{orphan})
	require.NoError(t, err)

	// Retry of the same row under a fresh id. Identifier writes keyed by the
	// surviving id must not hit a missing parent.
	retry := orphan
	retry.ID = "sp_" + uuid.NewString()
	ids, err := InsertSourceProducts(ctx, []SourceProduct{retry})
	require.NoError(t, err)
	require.Equal(t, orphan.ID, ids[key])

	err = InsertIdentifiers(ctx, []SourceProductIdentifier{{
		SourceProductID: ids[key],
		IDType:          "NETWORK_ITEM_ID",
		IDValue:         "12345",
		IsCanonical:     true,
		NormalizedValue: "12345",
	}})
	require.NoError(t, err)
}
