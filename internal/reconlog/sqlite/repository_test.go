package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/payment-reconciler/internal/reconlog"
	"github.com/jcmexdev/payment-reconciler/internal/status"
)

func TestOpenAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recon.db")
	repo, err := Open(path)
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	entry := &reconlog.Entry{
		Token:      "tok-1",
		OrderID:    42,
		Status:     status.Paid,
		Source:     status.SourceWebhook,
		RawCode:    "01",
		RawText:    "approved",
		ObservedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Save(ctx, entry))

	anomalous := &reconlog.Entry{
		Token:      "tok-1",
		OrderID:    42,
		Status:     status.Paid,
		Source:     status.SourcePoll,
		Anomaly:    true,
		ObservedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Save(ctx, anomalous))

	var count int
	row := repo.db.QueryRow(`SELECT COUNT(*) FROM reconciliation_log WHERE token = ?`, "tok-1")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 2, count)

	var anomaly int
	row = repo.db.QueryRow(`SELECT anomaly FROM reconciliation_log WHERE source = ?`, "POLL")
	require.NoError(t, row.Scan(&anomaly))
	assert.Equal(t, 1, anomaly)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recon.db")

	repo, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, repo.Save(context.Background(), &reconlog.Entry{
		Token: "tok-1", Status: status.Pending, Source: status.SourcePoll, ObservedAt: time.Now(),
	}))
	require.NoError(t, repo.Close())

	// Reopening must not fail on the existing schema, and rows persist.
	repo, err = Open(path)
	require.NoError(t, err)
	defer repo.Close()

	var count int
	row := repo.db.QueryRow(`SELECT COUNT(*) FROM reconciliation_log`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}
