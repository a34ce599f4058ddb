package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/docmutex/pkg/mutex"
	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/repository/document"
	pgstore "github.com/nimburion/docmutex/pkg/store/postgres"
	"github.com/nimburion/docmutex/pkg/testutil"
)

func TestExecutor_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("docmutex"),
		tcpostgres.WithUsername("docmutex"),
		tcpostgres.WithPassword("docmutex"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}
	adapter, err := pgstore.NewPostgreSQLAdapter(pgstore.Config{URL: connStr, MaxOpenConns: 5, QueryTimeout: 5 * time.Second}, logger.NewNop())
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}
	exec, err := NewExecutor(adapter, "jobs", logger.NewNop())
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	defer exec.Close()
	if err := exec.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	for i, k := range []string{"a", "b", "c"} {
		if _, err := exec.Insert(ctx, &mutex.Record{Key: k, Fields: map[string]interface{}{"state": "ready", "priority": i}}, false); err != nil {
			t.Fatalf("insert %s: %v", k, err)
		}
	}
	if _, err := exec.Insert(ctx, &mutex.Record{Key: "a"}, false); !errors.Is(err, mutex.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	now := time.Now()
	claim := mutex.Claim{Lease: mutex.LeaseState{Owner: "n1", Token: "t1", ExpiresAt: now.Add(time.Minute)}, Now: now}
	recs, err := exec.ClaimKeys(ctx, []string{"a", "missing"}, claim, nil)
	if err != nil || len(recs) != 1 {
		t.Fatalf("ClaimKeys() = %v, %v", recs, err)
	}

	q := document.Query{
		Filter: document.Filter{"state": "ready"},
		Sort:   []document.Sort{{Field: "priority", Order: document.SortDesc}},
		Limit:  1,
	}
	other := mutex.Claim{Lease: mutex.LeaseState{Owner: "n2", Token: "t2", ExpiresAt: now.Add(time.Minute)}, Now: now}
	matched, err := exec.ClaimMatching(ctx, q, other, nil)
	if err != nil || len(matched) != 1 || matched[0].Key != "c" {
		t.Fatalf("ClaimMatching() = %v, %v", matched, err)
	}

	renewed, err := exec.Renew(ctx, []string{"a", "c"}, "n1", "t1", now.Add(2*time.Minute))
	if err != nil || len(renewed) != 1 || renewed[0] != "a" {
		t.Fatalf("Renew() = %v, %v", renewed, err)
	}
	if err := exec.Update(ctx, &mutex.Record{Key: "a", Fields: map[string]interface{}{"state": "done"}}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	rec, err := exec.Get(ctx, "a", nil)
	if err != nil || rec.Fields["state"] != "done" || !rec.Lease.HeldBy("n1", "t1") {
		t.Fatalf("update must keep the lease: %+v, %v", rec, err)
	}

	n, err := exec.ClearOwner(ctx, "n2")
	if err != nil || n != 1 {
		t.Fatalf("ClearOwner() = %d, %v", n, err)
	}
	if err := exec.Remove(ctx, "b"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
}
