//go:build postgres

// Copyright 2025 James Ross
package registry

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

// openTestDB requires REGISTRY_TEST_DSN to point at a disposable Postgres
// database; run with `go test -tags postgres ./internal/registry/...`.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("REGISTRY_TEST_DSN")
	if dsn == "" {
		t.Skip("REGISTRY_TEST_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	_, err = db.Exec(Schema)
	require.NoError(t, err)
	return db
}

func TestScriptStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	ctx := context.Background()
	s := NewScriptStore(db)

	lock := "requirements.txt lock"
	require.NoError(t, s.Put(ctx, "hash-1", "print('hi')", &lock, "python3"))

	content, gotLock, lang, err := s.GetByHash(ctx, "hash-1")
	require.NoError(t, err)
	require.Equal(t, "print('hi')", content)
	require.Equal(t, lock, *gotLock)
	require.Equal(t, "python3", lang)

	_, _, _, err = s.GetByHash(ctx, "missing")
	require.Error(t, err)
}

func TestScriptHubRoundTrip(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	ctx := context.Background()
	s := NewScriptStore(db)

	require.NoError(t, s.PutHub(ctx, "u/alice/greet", "echo hi", nil, "bash"))

	content, lock, lang, err := s.GetByPath(ctx, "u/alice/greet")
	require.NoError(t, err)
	require.Equal(t, "echo hi", content)
	require.Nil(t, lock)
	require.Equal(t, "bash", lang)
}

func TestFlowStorePutAndGetByPath(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	ctx := context.Background()
	f := NewFlowStore(db)

	def := []byte(`{"modules":[]}`)
	require.NoError(t, f.Put(ctx, "u/alice/myflow", def))

	got, err := f.GetByPath(ctx, "u/alice/myflow")
	require.NoError(t, err)
	require.JSONEq(t, string(def), string(got))
}

func TestAppStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	ctx := context.Background()
	a := NewAppStore(db)

	require.NoError(t, a.Put(ctx, "u/alice/myapp", "v1", "typescript"))

	lang, err := a.GetByPathVersion(ctx, "u/alice/myapp", "v1")
	require.NoError(t, err)
	require.Equal(t, "typescript", lang)

	_, err = a.GetByPathVersion(ctx, "u/alice/myapp", "v2")
	require.Error(t, err)
}
