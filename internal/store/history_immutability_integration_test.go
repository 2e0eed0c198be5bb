package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/SilentHawker/AML-platform/internal/ledger"
)

// TestPolicyVersionsAreImmutable verifies that committed versions cannot be
// rewritten or removed once stored.
func TestPolicyVersionsAreImmutable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	defer db.Close()

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	s := NewPostgresStore(db)
	id := "pol-immutable-" + time.Now().UTC().Format("20060102150405.000000000")
	p := ledger.New(id, "Immutability", "tenant-test", "original text", "tester", time.Now())
	if err := s.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	_, err = db.ExecContext(ctx, `UPDATE policy_versions SET text = 'rewritten' WHERE policy_id = $1`, id)
	assertImmutableError(t, err, "policy_versions is immutable; UPDATE is not allowed")

	_, err = db.ExecContext(ctx, `DELETE FROM policy_versions WHERE policy_id = $1`, id)
	assertImmutableError(t, err, "policy_versions is immutable; DELETE is not allowed")

	loaded, err := s.LoadPolicy(ctx, id)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if loaded.Current().Text != "original text" {
		t.Fatalf("expected stored text to survive, got %q", loaded.Current().Text)
	}
}

func assertImmutableError(t *testing.T, err error, message string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected statement to be blocked, but it succeeded")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000 (object_not_in_prerequisite_state), got: %s", pgErr.SQLState())
	}
	if pgErr.Message != message {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}
}

// getTestDatabaseURL returns POLICY_TEST_DATABASE_URL or a local default
// built from the standard Postgres environment variables.
func getTestDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := getenv("POLICY_TEST_DATABASE_URL", ""); url != "" {
		return url
	}

	host := getenv("POSTGRES_HOST", "localhost")
	port := getenv("POSTGRES_PORT", "5432")
	user := getenv("POSTGRES_USER", "policy")
	pass := getenv("POSTGRES_PASSWORD", "policy")
	dbname := getenv("POSTGRES_DB", "policy_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
