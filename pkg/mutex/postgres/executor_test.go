package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/nimburion/docmutex/pkg/mutex"
	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/repository/document"
	pgstore "github.com/nimburion/docmutex/pkg/store/postgres"
)

var rowColumns = []string{"record_key", "fields", "lease_state", "lease_owner", "lease_token", "lease_expires_at"}

func newMockExecutor(t *testing.T) (*Executor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	adapter, err := pgstore.NewPostgreSQLAdapterWithDB(db, pgstore.Config{QueryTimeout: time.Second}, logger.NewNop())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	exec, err := NewExecutor(adapter, "jobs", nil)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	return exec, mock
}

func TestNewExecutor_RejectsInvalidCollection(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()
	adapter, _ := pgstore.NewPostgreSQLAdapterWithDB(db, pgstore.Config{}, nil)

	_, err = NewExecutor(adapter, "jobs; DROP TABLE x", nil)
	if !errors.Is(err, mutex.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestExecutor_EnsureSchema(t *testing.T) {
	exec, mock := newMockExecutor(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS jobs_lease_owner_idx ON jobs \\(lease_owner\\)").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := exec.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestExecutor_ClaimKeys(t *testing.T) {
	exec, mock := newMockExecutor(t)
	now := time.Now().UTC()
	expires := now.Add(time.Minute)

	mock.ExpectQuery("(?s)UPDATE jobs\\s+SET lease_state = 2, lease_owner = \\$1, lease_token = \\$2, lease_expires_at = \\$3.*WHERE record_key = ANY\\(\\$4\\) AND \\(lease_state <> 2 OR lease_expires_at <= \\$5\\)").
		WithArgs("n1", "t1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(rowColumns).
			AddRow("a", []byte(`{"state":"ready","n":2}`), int64(2), "n1", "t1", expires))

	claim := mutex.Claim{Lease: mutex.LeaseState{Owner: "n1", Token: "t1", ExpiresAt: expires}, Now: now}
	recs, err := exec.ClaimKeys(context.Background(), []string{"a", "b"}, claim, []string{"state"})
	if err != nil {
		t.Fatalf("ClaimKeys() error = %v", err)
	}
	if len(recs) != 1 || recs[0].Key != "a" || !recs[0].Lease.HeldBy("n1", "t1") {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if _, ok := recs[0].Fields["n"]; ok {
		t.Fatal("projection should drop unrequested fields")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestExecutor_ClaimMatching(t *testing.T) {
	exec, mock := newMockExecutor(t)
	now := time.Now().UTC()
	expires := now.Add(time.Minute)

	mock.ExpectQuery("(?s)SELECT record_key FROM jobs.*AND fields->'state' = \\$6::jsonb.*ORDER BY fields->'priority' DESC, record_key ASC LIMIT 2.*FOR UPDATE SKIP LOCKED").
		WithArgs("n1", "t1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), `"ready"`).
		WillReturnRows(sqlmock.NewRows(rowColumns).
			AddRow("low", []byte(`{"state":"ready","priority":1}`), int64(2), "n1", "t1", expires).
			AddRow("high", []byte(`{"state":"ready","priority":7}`), int64(2), "n1", "t1", expires))

	q := document.Query{
		Filter: document.Filter{"state": "ready"},
		Sort:   []document.Sort{{Field: "priority", Order: document.SortDesc}},
		Limit:  2,
	}
	claim := mutex.Claim{Lease: mutex.LeaseState{Owner: "n1", Token: "t1", ExpiresAt: expires}, Now: now}
	recs, err := exec.ClaimMatching(context.Background(), q, claim, nil)
	if err != nil {
		t.Fatalf("ClaimMatching() error = %v", err)
	}
	if len(recs) != 2 || recs[0].Key != "high" || recs[1].Key != "low" {
		t.Fatalf("records not in sort order: %v, %v", recs[0].Key, recs[1].Key)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestExecutor_GetAndInsert(t *testing.T) {
	exec, mock := newMockExecutor(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT record_key, fields, lease_state, lease_owner, lease_token, lease_expires_at FROM jobs WHERE record_key = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(rowColumns))
	if _, err := exec.Get(ctx, "missing", nil); !errors.Is(err, mutex.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectQuery("SELECT record_key, fields").
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows(rowColumns).AddRow("a", []byte(`{}`), int64(1), nil, nil, nil))
	rec, err := exec.Get(ctx, "a", nil)
	if err != nil || rec.Lease.Status() != mutex.LeaseCleared {
		t.Fatalf("Get() = %+v, %v", rec, err)
	}

	mock.ExpectExec("(?s)INSERT INTO jobs .*ON CONFLICT \\(record_key\\) DO NOTHING").
		WithArgs("a", sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if _, err := exec.Insert(ctx, &mutex.Record{Key: "a"}, false); !errors.Is(err, mutex.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	mock.ExpectExec("(?s)INSERT INTO jobs .*ON CONFLICT \\(record_key\\) DO UPDATE").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if _, err := exec.Insert(ctx, &mutex.Record{Key: "a", Fields: map[string]interface{}{"x": 1}}, true); err != nil {
		t.Fatalf("overwrite insert: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestExecutor_RenewClearAndClearOwner(t *testing.T) {
	exec, mock := newMockExecutor(t)
	ctx := context.Background()

	mock.ExpectQuery("(?s)UPDATE jobs SET lease_expires_at = \\$1.*lease_owner = \\$3 AND lease_token = \\$4\\s+RETURNING record_key").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "n1", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"record_key"}).AddRow("a"))
	renewed, err := exec.Renew(ctx, []string{"a", "b"}, "n1", "t1", time.Now().Add(time.Minute))
	if err != nil || len(renewed) != 1 || renewed[0] != "a" {
		t.Fatalf("Renew() = %v, %v", renewed, err)
	}

	mock.ExpectQuery("(?s)UPDATE jobs.*SET lease_state = 1, lease_owner = NULL.*RETURNING record_key").
		WithArgs(sqlmock.AnyArg(), "n1", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"record_key"}).AddRow("a").AddRow("b"))
	cleared, err := exec.Clear(ctx, []string{"a", "b"}, "n1", "t1")
	if err != nil || len(cleared) != 2 {
		t.Fatalf("Clear() = %v, %v", cleared, err)
	}

	mock.ExpectExec("(?s)UPDATE jobs.*WHERE lease_state = 2 AND lease_owner = \\$1").
		WithArgs("n1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := exec.ClearOwner(ctx, "n1")
	if err != nil || n != 3 {
		t.Fatalf("ClearOwner() = %d, %v", n, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordsUpdate_RetriesSerializationFailure(t *testing.T) {
	exec, mock := newMockExecutor(t)
	engine, err := mutex.NewEngine(exec, mutex.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	mock.ExpectExec("UPDATE jobs SET fields = \\$2").
		WithArgs("a", sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	mock.ExpectExec("UPDATE jobs SET fields = \\$2").
		WithArgs("a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := engine.Records().Update(context.Background(), &mutex.Record{Key: "a", Fields: map[string]interface{}{"x": 1}}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFilterAndOrderClauses(t *testing.T) {
	where, args, err := filterClause(document.Filter{"state": "ready", "owner": nil, "n": 3}, 6)
	if err != nil {
		t.Fatalf("filterClause() error = %v", err)
	}
	want := " AND fields->'n' = $6::jsonb AND (fields->'owner' IS NULL OR fields->'owner' = 'null'::jsonb) AND fields->'state' = $7::jsonb"
	if where != want {
		t.Fatalf("where = %q\nwant  %q", where, want)
	}
	if len(args) != 2 || args[0] != "3" || args[1] != `"ready"` {
		t.Fatalf("args = %v", args)
	}

	if _, _, err := filterClause(document.Filter{"bad-name": 1}, 1); !errors.Is(err, mutex.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	order, err := orderClause([]document.Sort{{Field: "a"}, {Field: "b", Order: document.SortDesc}})
	if err != nil || order != "fields->'a' ASC, fields->'b' DESC, record_key ASC" {
		t.Fatalf("orderClause() = %q, %v", order, err)
	}
	if _, err := orderClause([]document.Sort{{Field: "x'y"}}); err == nil || !strings.Contains(err.Error(), "x'y") {
		t.Fatalf("expected invalid field error, got %v", err)
	}
}

func TestMapError(t *testing.T) {
	for _, code := range []pq.ErrorCode{"40001", "40P01"} {
		if err := mapError(&pq.Error{Code: code}); !errors.Is(err, document.ErrWriteConflict) {
			t.Fatalf("code %s: expected ErrWriteConflict, got %v", code, err)
		}
	}
	if err := mapError(&pq.Error{Code: "23505"}); errors.Is(err, document.ErrWriteConflict) {
		t.Fatal("unique violation is not a write conflict")
	}
}
