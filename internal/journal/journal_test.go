package journal_test

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"gcsgate/internal/journal"

	"github.com/stretchr/testify/require"
)

func TestRecordAppendsEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.sqlite")
	j, err := journal.Open(t.Context(), path)
	require.NoError(t, err, "Open")
	t.Cleanup(func() { _ = j.Close() })

	start := time.Now()
	require.NoError(t, j.Record(t.Context(), journal.Entry{
		RequestID: "req-1",
		Op:        "upload",
		Bucket:    "media",
		Object:    "a.txt",
		Bytes:     12,
		Status:    200,
		StartedAt: start,
		Duration:  1500 * time.Microsecond,
	}))
	require.NoError(t, j.Record(t.Context(), journal.Entry{
		RequestID: "req-2",
		Op:        "delete",
		Bucket:    "media",
		Object:    "missing.txt",
		Status:    500,
		ErrorKind: "DeleteObjectFailed",
		StartedAt: start,
	}))

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM transfers`).Scan(&count))
	require.Equal(t, 2, count)

	var (
		kind     sql.NullString
		duration float64
	)
	require.NoError(t, db.QueryRow(`SELECT error_kind, duration_ms FROM transfers WHERE request_id = 'req-1'`).Scan(&kind, &duration))
	require.False(t, kind.Valid)
	require.InDelta(t, 1.5, duration, 0.001)

	require.NoError(t, db.QueryRow(`SELECT error_kind FROM transfers WHERE request_id = 'req-2'`).Scan(&kind))
	require.Equal(t, "DeleteObjectFailed", kind.String)
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.sqlite")
	for range 2 {
		j, err := journal.Open(t.Context(), path)
		require.NoError(t, err)
		require.NoError(t, j.Close())
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := journal.Open(t.Context(), "")
	require.Error(t, err)
}
