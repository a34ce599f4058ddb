// Package postgres implements mutex.Executor on a PostgreSQL table per
// collection. Payloads live in a JSONB column; lease columns are updated with
// conditional UPDATE ... RETURNING statements, which are atomic per row.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/nimburion/docmutex/pkg/mutex"
	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/repository/document"
	pgstore "github.com/nimburion/docmutex/pkg/store/postgres"
)

const (
	leaseMissing int16 = 0
	leaseCleared int16 = 1
	leaseActive  int16 = 2
)

const recordColumns = "record_key, fields, lease_state, lease_owner, lease_token, lease_expires_at"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Executor maps one collection onto the table of the same name.
type Executor struct {
	adapter *pgstore.PostgreSQLAdapter
	table   string
	log     logger.Logger
}

var _ mutex.Executor = (*Executor)(nil)

// NewExecutor binds adapter to collection. The table is expected to exist; see EnsureSchema.
func NewExecutor(adapter *pgstore.PostgreSQLAdapter, collection string, log logger.Logger) (*Executor, error) {
	if adapter == nil {
		return nil, errors.New("postgres adapter is required")
	}
	if !validTableName.MatchString(collection) {
		return nil, mutex.NewError(mutex.ErrInvalidArgument, "invalid collection name %q", collection)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Executor{
		adapter: adapter,
		table:   collection,
		log:     log.With("store", "postgres", "collection", collection),
	}, nil
}

// EnsureSchema creates the collection table and its owner index in one transaction.
func (e *Executor) EnsureSchema(ctx context.Context) error {
	return e.adapter.WithTransaction(ctx, func(txCtx context.Context) error {
		if _, err := e.adapter.ExecContext(txCtx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	record_key TEXT PRIMARY KEY,
	fields JSONB NOT NULL DEFAULT '{}'::jsonb,
	lease_state SMALLINT NOT NULL DEFAULT 0,
	lease_owner TEXT,
	lease_token TEXT,
	lease_expires_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, e.table)); err != nil {
			return fmt.Errorf("create table %s: %w", e.table, err)
		}
		if _, err := e.adapter.ExecContext(txCtx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_lease_owner_idx ON %s (lease_owner)`, e.table, e.table)); err != nil {
			return fmt.Errorf("create owner index on %s: %w", e.table, err)
		}
		return nil
	})
}

func (e *Executor) Collection() string { return e.table }

func (e *Executor) Get(ctx context.Context, key string, fields []string) (*mutex.Record, error) {
	var row scannedRow
	err := e.adapter.QueryRowScan(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE record_key = $1`, recordColumns, e.table),
		[]interface{}{key}, row.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mutex.NewError(mutex.ErrNotFound, "key %q", key)
	}
	if err != nil {
		return nil, mapError(err)
	}
	rec, err := row.record()
	if err != nil {
		return nil, err
	}
	return rec.Project(fields), nil
}

func (e *Executor) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := e.adapter.QueryRowScan(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE record_key = $1)`, e.table),
		[]interface{}{key}, &ok)
	return ok, mapError(err)
}

func (e *Executor) Insert(ctx context.Context, rec *mutex.Record, overwrite bool) (*mutex.Record, error) {
	data, err := encodeFields(rec.Fields)
	if err != nil {
		return nil, err
	}
	state, owner, token, expires := encodeLease(rec.Lease)

	conflict := "DO NOTHING"
	if overwrite {
		conflict = `DO UPDATE SET fields = EXCLUDED.fields,
	lease_state = EXCLUDED.lease_state,
	lease_owner = EXCLUDED.lease_owner,
	lease_token = EXCLUDED.lease_token,
	lease_expires_at = EXCLUDED.lease_expires_at,
	updated_at = NOW()`
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (record_key) %s`, e.table, recordColumns, conflict)

	res, err := e.adapter.ExecContext(ctx, query, rec.Key, data, state, owner, token, expires)
	if err != nil {
		return nil, mapError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, mutex.NewError(mutex.ErrAlreadyExists, "key %q", rec.Key)
	}
	out := rec.Clone()
	if out.Fields == nil {
		out.Fields = map[string]interface{}{}
	}
	return out, nil
}

func (e *Executor) Update(ctx context.Context, rec *mutex.Record) error {
	data, err := encodeFields(rec.Fields)
	if err != nil {
		return err
	}
	res, err := e.adapter.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET fields = $2, updated_at = NOW() WHERE record_key = $1`, e.table),
		rec.Key, data)
	if err != nil {
		return mapError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return mutex.NewError(mutex.ErrNotFound, "key %q", rec.Key)
	}
	return nil
}

func (e *Executor) Remove(ctx context.Context, key string) error {
	res, err := e.adapter.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE record_key = $1`, e.table), key)
	if err != nil {
		return mapError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return mutex.NewError(mutex.ErrNotFound, "key %q", key)
	}
	return nil
}

// ClaimKeys claims every listed row in one statement; rows still leased are
// simply not returned.
func (e *Executor) ClaimKeys(ctx context.Context, keys []string, claim mutex.Claim, fields []string) ([]*mutex.Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`UPDATE %s
SET lease_state = %d, lease_owner = $1, lease_token = $2, lease_expires_at = $3, updated_at = NOW()
WHERE record_key = ANY($4) AND (lease_state <> %d OR lease_expires_at <= $5)
RETURNING %s`, e.table, leaseActive, leaseActive, recordColumns)

	recs, err := e.queryRecords(ctx, query, claim.Lease.Owner, claim.Lease.Token, claim.Lease.ExpiresAt.UTC(), pq.Array(keys), claim.Now.UTC())
	if err != nil {
		return nil, err
	}
	return project(recs, fields), nil
}

// ClaimMatching selects candidates with FOR UPDATE SKIP LOCKED so concurrent
// claimers split the matching rows instead of queueing on the same ones.
func (e *Executor) ClaimMatching(ctx context.Context, q document.Query, claim mutex.Claim, fields []string) ([]*mutex.Record, error) {
	where, args, err := filterClause(q.Filter, 6)
	if err != nil {
		return nil, err
	}
	order, err := orderClause(q.Sort)
	if err != nil {
		return nil, err
	}
	limit := ""
	if q.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	query := fmt.Sprintf(`UPDATE %s
SET lease_state = %d, lease_owner = $1, lease_token = $2, lease_expires_at = $3, updated_at = NOW()
WHERE record_key IN (
	SELECT record_key FROM %s
	WHERE (lease_state <> %d OR lease_expires_at <= $4)%s
	ORDER BY %s%s
	FOR UPDATE SKIP LOCKED
) AND (lease_state <> %d OR lease_expires_at <= $5)
RETURNING %s`,
		e.table, leaseActive, e.table, leaseActive, where, order, limit, leaseActive, recordColumns)

	params := append([]interface{}{
		claim.Lease.Owner, claim.Lease.Token, claim.Lease.ExpiresAt.UTC(), claim.Now.UTC(), claim.Now.UTC(),
	}, args...)
	recs, err := e.queryRecords(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	// RETURNING carries no order.
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if document.Less(a.Fields, b.Fields, q.Sort) {
			return true
		}
		if document.Less(b.Fields, a.Fields, q.Sort) {
			return false
		}
		return a.Key < b.Key
	})
	return project(recs, fields), nil
}

func (e *Executor) Renew(ctx context.Context, keys []string, owner, token string, expiresAt time.Time) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`UPDATE %s SET lease_expires_at = $1, updated_at = NOW()
WHERE record_key = ANY($2) AND lease_state = %d AND lease_owner = $3 AND lease_token = $4
RETURNING record_key`, e.table, leaseActive)
	return e.queryKeys(ctx, query, expiresAt.UTC(), pq.Array(keys), owner, token)
}

func (e *Executor) Clear(ctx context.Context, keys []string, owner, token string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`UPDATE %s
SET lease_state = %d, lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL, updated_at = NOW()
WHERE record_key = ANY($1) AND lease_state = %d AND lease_owner = $2 AND lease_token = $3
RETURNING record_key`, e.table, leaseCleared, leaseActive)
	return e.queryKeys(ctx, query, pq.Array(keys), owner, token)
}

func (e *Executor) ClearOwner(ctx context.Context, owner string) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s
SET lease_state = %d, lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL, updated_at = NOW()
WHERE lease_state = %d AND lease_owner = $1`, e.table, leaseCleared, leaseActive)
	res, err := e.adapter.ExecContext(ctx, query, owner)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

func (e *Executor) HealthCheck(ctx context.Context) error {
	return e.adapter.HealthCheck(ctx)
}

func (e *Executor) Close() error {
	return e.adapter.Close()
}

func (e *Executor) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*mutex.Record, error) {
	out := make([]*mutex.Record, 0)
	err := e.adapter.QueryEach(ctx, query, args, func(rows *sql.Rows) error {
		var row scannedRow
		if err := rows.Scan(row.dest()...); err != nil {
			return err
		}
		rec, err := row.record()
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (e *Executor) queryKeys(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	keys := make([]string, 0)
	err := e.adapter.QueryEach(ctx, query, args, func(rows *sql.Rows) error {
		var k string
		if err := rows.Scan(&k); err != nil {
			return err
		}
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	return keys, nil
}

type scannedRow struct {
	key     string
	fields  []byte
	state   int16
	owner   sql.NullString
	token   sql.NullString
	expires sql.NullTime
}

func (r *scannedRow) dest() []interface{} {
	return []interface{}{&r.key, &r.fields, &r.state, &r.owner, &r.token, &r.expires}
}

func (r *scannedRow) record() (*mutex.Record, error) {
	rec := &mutex.Record{Key: r.key, Lease: mutex.MissingLease(), Fields: map[string]interface{}{}}
	if len(r.fields) > 0 {
		if err := json.Unmarshal(r.fields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode record %q: %w", r.key, err)
		}
	}
	switch r.state {
	case leaseCleared:
		rec.Lease = mutex.ClearedLease()
	case leaseActive:
		if !r.expires.Valid {
			return nil, fmt.Errorf("record %q has an active lease without expiration", r.key)
		}
		rec.Lease = mutex.ActiveLease(mutex.LeaseState{
			Owner:     r.owner.String,
			Token:     r.token.String,
			ExpiresAt: r.expires.Time.UTC(),
		})
	}
	return rec, nil
}

func encodeFields(fields map[string]interface{}) ([]byte, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode record fields: %w", err)
	}
	return data, nil
}

func encodeLease(l mutex.LeaseField) (state int16, owner, token sql.NullString, expires sql.NullTime) {
	switch l.Status() {
	case mutex.LeaseCleared:
		return leaseCleared, owner, token, expires
	case mutex.LeaseActive:
		s, _ := l.State()
		return leaseActive,
			sql.NullString{String: s.Owner, Valid: true},
			sql.NullString{String: s.Token, Valid: true},
			sql.NullTime{Time: s.ExpiresAt.UTC(), Valid: true}
	default:
		return leaseMissing, owner, token, expires
	}
}

// filterClause renders an equality filter over JSONB attributes, numbering
// placeholders from next. A nil value matches an absent or JSON-null attribute.
func filterClause(f document.Filter, next int) (string, []interface{}, error) {
	names := make([]string, 0, len(f))
	for name := range f {
		if err := document.ValidateField(name); err != nil {
			return "", nil, mutex.NewError(mutex.ErrInvalidArgument, "%v", err)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	args := make([]interface{}, 0, len(names))
	for _, name := range names {
		v := f[name]
		if v == nil {
			fmt.Fprintf(&b, " AND (fields->'%s' IS NULL OR fields->'%s' = 'null'::jsonb)", name, name)
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", nil, mutex.NewError(mutex.ErrInvalidArgument, "filter value for %s: %v", name, err)
		}
		fmt.Fprintf(&b, " AND fields->'%s' = $%d::jsonb", name, next)
		args = append(args, string(encoded))
		next++
	}
	return b.String(), args, nil
}

// orderClause always ends with record_key so ties resolve deterministically.
func orderClause(sorts []document.Sort) (string, error) {
	parts := make([]string, 0, len(sorts)+1)
	for _, s := range sorts {
		if err := document.ValidateField(s.Field); err != nil {
			return "", mutex.NewError(mutex.ErrInvalidArgument, "%v", err)
		}
		dir := "ASC"
		if s.Order == document.SortDesc {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf("fields->'%s' %s", s.Field, dir))
	}
	parts = append(parts, "record_key ASC")
	return strings.Join(parts, ", "), nil
}

func project(recs []*mutex.Record, fields []string) []*mutex.Record {
	if len(fields) == 0 {
		return recs
	}
	out := make([]*mutex.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Project(fields)
	}
	return out
}

// mapError classifies serialization failures and deadlocks as write conflicts.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return errors.Join(document.ErrWriteConflict, err)
		}
	}
	return err
}
