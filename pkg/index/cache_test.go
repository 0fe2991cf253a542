package index

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestRebuildCacheDBDropsAndRepopulates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DROP TABLE IF EXISTS artifacts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE artifacts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP TABLE IF EXISTS pending_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE pending_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO artifacts").
		ExpectExec().WithArgs("receipts", "r1.json", "/tmp/r1.json", "h1", "2026-01-01T00:00:00Z").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectPrepare("INSERT INTO pending_jobs").
		ExpectExec().WithArgs("job-1", "2026-01-01T00:00:00Z").
		WillReturnResult(sqlmock.NewResult(1, 1))

	summary := Summary{
		LatestReceipts: []ArtifactRef{{Name: "r1.json", Path: "/tmp/r1.json", Hash: "h1", CreatedAt: "2026-01-01T00:00:00Z"}},
		PendingJobs:    []PendingJob{{ID: "job-1", CreatedAt: "2026-01-01T00:00:00Z"}},
	}

	require.NoError(t, rebuildCacheDB(db, summary))
	require.NoError(t, mock.ExpectationsWereMet())
}
