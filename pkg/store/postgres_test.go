package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/vorion/pkg/apierror"
	"github.com/vorion-labs/vorion/pkg/contracts"
	"github.com/vorion-labs/vorion/pkg/store"
)

func newMockStore(t *testing.T) (*store.Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewPostgres(db), mock
}

func TestPostgres_GetRecordNotFound(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectQuery("SELECT entity_id, score, band").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}))

	_, err := pg.GetRecord(context.Background(), "ghost")
	assert.True(t, apierror.Is(err, apierror.CodeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetRecord(t *testing.T) {
	pg, mock := newMockStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"entity_id", "score", "band", "components",
		"last_calculated_at", "last_activity_at", "signal_count", "row_version",
	}).AddRow("agent-1", 660, 3, []byte(`{"behavioral":0.9,"compliance":0.5,"identity":0.5,"context":0.5}`),
		now, now, int64(4), int64(7))

	mock.ExpectQuery("SELECT entity_id, score, band").
		WithArgs("agent-1").
		WillReturnRows(rows)

	rec, err := pg.GetRecord(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 660, rec.Score)
	assert.InDelta(t, 0.9, rec.Components.Behavioral, 1e-9)
	assert.Equal(t, int64(7), rec.RowVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveRecordConflict(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO trust_records").
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}))

	_, err := pg.SaveRecord(context.Background(), &contracts.TrustRecord{EntityID: "agent-1", RowVersion: 3})
	assert.True(t, apierror.Is(err, apierror.CodeConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertSignalDeduplicates(t *testing.T) {
	pg, mock := newMockStore(t)
	sig := &contracts.TrustSignal{ID: "s1", EntityID: "a", Type: "behavioral.x", Value: 1, Weight: 1}

	mock.ExpectExec("INSERT INTO trust_signals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	inserted, err := pg.InsertSignal(context.Background(), sig)
	require.NoError(t, err)
	assert.True(t, inserted)

	mock.ExpectExec("INSERT INTO trust_signals").
		WillReturnResult(sqlmock.NewResult(0, 0))
	inserted, err = pg.InsertSignal(context.Background(), sig)
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ExpireGrants(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM capability_grants").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := pg.ExpireGrants(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DatabaseErrorsCarryCode(t *testing.T) {
	pg, mock := newMockStore(t)
	mock.ExpectQuery("SELECT entity_id, score, band").
		WillReturnError(assert.AnError)

	_, err := pg.GetRecord(context.Background(), "agent-1")
	assert.True(t, apierror.Is(err, apierror.CodeDatabase))
	assert.NoError(t, mock.ExpectationsWereMet())
}
