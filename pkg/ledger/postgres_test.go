package ledger

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

func TestPostgresHeadEmptyChain(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStoreWithDB(db)

	mock.ExpectQuery(`SELECT sequence, entry_hash FROM audit_entries`).
		WillReturnError(sql.ErrNoRows)

	seq, hash, err := store.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
	assert.Equal(t, genesisHash, hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendThroughLedger(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStoreWithDB(db)
	l := New(store, slog.New(slog.DiscardHandler))

	mock.ExpectQuery(`SELECT sequence, entry_hash FROM audit_entries`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "entry_hash"}).
			AddRow(4, "sha256:head"))
	mock.ExpectExec(`INSERT INTO audit_entries`).
		WithArgs(uint64(5), sqlmock.AnyArg(), sqlmock.AnyArg(), "execution",
			"user-1", "plan-1", sqlmock.AnyArg(), sqlmock.AnyArg(), "sha256:head", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry, err := l.Append(context.Background(), contracts.PipelineEvent{
		Type:    contracts.EventExecution,
		ActorID: "user-1",
		PlanID:  "plan-1",
		Payload: map[string]any{"attempt": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), entry.Sequence)
	assert.Equal(t, "sha256:head", entry.PrevHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWalkScansEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStoreWithDB(db)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)
	cols := []string{"sequence", "id", "timestamp", "type", "actor_id", "plan_id",
		"payload", "payload_hash", "prev_hash", "entry_hash", "archived"}
	mock.ExpectQuery(`FROM audit_entries ORDER BY sequence ASC`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, "e1", ts, "execution", "user-1", "plan-1",
				[]byte(`{"attempt":1}`), "sha256:p1", genesisHash, "sha256:e1", false).
			AddRow(2, "e2", ts, "state_change", "user-1", "plan-1",
				[]byte(`{"to":"Completed"}`), "sha256:p2", "sha256:e1", "sha256:e2", true))

	var seen []*Entry
	err = store.Walk(context.Background(), func(e *Entry) error {
		seen = append(seen, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, contracts.EventExecution, seen[0].Type)
	assert.False(t, seen[0].Archived)
	assert.True(t, seen[1].Archived)
	assert.Equal(t, "sha256:e1", seen[1].PrevHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkArchived(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStoreWithDB(db)

	mock.ExpectExec(`UPDATE audit_entries SET archived = TRUE`).
		WithArgs(uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.MarkArchived(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueryBuildsPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStoreWithDB(db)

	cols := []string{"sequence", "id", "timestamp", "type", "actor_id", "plan_id",
		"payload", "payload_hash", "prev_hash", "entry_hash", "archived"}
	mock.ExpectQuery(`FROM audit_entries WHERE TRUE AND archived = FALSE AND type = \$1 AND plan_id = \$2 ORDER BY sequence ASC LIMIT \$3`).
		WithArgs("approval_step", "plan-9", 5).
		WillReturnRows(sqlmock.NewRows(cols))

	out, err := store.Query(context.Background(), Filter{
		Type:   contracts.EventApprovalStep,
		PlanID: "plan-9",
		Limit:  5,
	})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}
