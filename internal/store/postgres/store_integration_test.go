package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"physiolink/backend/internal/store"
	"physiolink/backend/internal/store/storetest"
)

func TestPostgresIntegration_StoreConformance(t *testing.T) {
	databaseURL := strings.TrimSpace(os.Getenv("PHYSIOLINK_TEST_DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("PHYSIOLINK_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	admin, err := Open(ctx, databaseURL, PoolConfig{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(admin)
	})

	schema := "physiolink_test_" + randomHex(t, 8)
	if _, err := admin.NewRaw("CREATE SCHEMA " + schema).Exec(ctx); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = admin.NewRaw("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Exec(ctx)
	})

	scopedURL, err := withSearchPath(databaseURL, schema)
	if err != nil {
		t.Fatalf("withSearchPath: %v", err)
	}
	db, err := Open(ctx, scopedURL, PoolConfig{MaxOpenConns: 8})
	if err != nil {
		t.Fatalf("Open scoped error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(db)
	})

	applied, err := Migrate(ctx, db)
	if err != nil {
		t.Fatalf("Migrate error: %v", err)
	}
	if len(applied) == 0 {
		t.Fatalf("expected migrations to apply on an empty schema")
	}
	again, err := Migrate(ctx, db)
	if err != nil {
		t.Fatalf("second Migrate error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second Migrate applied %v, want none", again)
	}

	reverted, err := Rollback(ctx, db)
	if err != nil {
		t.Fatalf("Rollback error: %v", err)
	}
	if len(reverted) != len(applied) {
		t.Fatalf("Rollback reverted %v, want %v", reverted, applied)
	}
	if _, err := Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate after rollback error: %v", err)
	}

	s := New(db)
	storetest.Run(t, func(t *testing.T) store.Store {
		return s
	})
}

func withSearchPath(databaseURL, schema string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func randomHex(t *testing.T, bytesLen int) string {
	t.Helper()
	b := make([]byte, bytesLen)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read error: %v", err)
	}
	return hex.EncodeToString(b)
}
