package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hive-corporation/watchtower-pipeline/internal/core/domain"
)

func TestUpsertArgs(t *testing.T) {
	args := upsertArgs(domain.IoC{Source: "Blocklist", Type: domain.IPAddress, Value: "1.2.3.4"})

	if id, ok := args[0].(*string); !ok || id != nil {
		t.Errorf("Expected nil external id, got %v", args[0])
	}
	if tags, ok := args[6].([]string); !ok || tags == nil {
		t.Errorf("Expected empty non-nil tags, got %#v", args[6])
	}
	if data, ok := args[7].(map[string]string); !ok || data == nil {
		t.Errorf("Expected empty non-nil additional data, got %#v", args[7])
	}

	args = upsertArgs(domain.IoC{ID: "9", Source: "ThreatFox", Type: "domain", Value: "evil.example"})
	if id := args[0].(*string); id == nil || *id != "9" {
		t.Errorf("Expected external id 9, got %v", args[0])
	}
	if typ := args[3].(string); typ != "domain" {
		t.Errorf("Expected type domain, got %q", typ)
	}
}

// TestPostgresRepository_Integration runs against a real database when
// TEST_DATABASE_URL is set.
func TestPostgresRepository_Integration(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer pool.Close()

	repo := NewPostgresRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM iocs WHERE source LIKE 'it-%'`); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	batch := []domain.IoC{
		{Source: "it-feed", Type: domain.IPAddress, Value: "1.2.3.4", LastSeen: &early},
		{Source: "it-feed", Type: domain.Domain, Value: "evil.example"},
	}
	if err := repo.SaveBatch(ctx, batch); err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}
	// same key again updates instead of duplicating
	if err := repo.SaveBatch(ctx, []domain.IoC{{Source: "it-feed", Type: domain.IPAddress, Value: "1.2.3.4", LastSeen: &late}}); err != nil {
		t.Fatalf("SaveBatch upsert failed: %v", err)
	}

	bySource, err := repo.CountBySource(ctx)
	if err != nil {
		t.Fatalf("CountBySource failed: %v", err)
	}
	if bySource["it-feed"] != 2 {
		t.Errorf("Expected 2 rows for it-feed, got %d", bySource["it-feed"])
	}

	var lastSeen time.Time
	if err := pool.QueryRow(ctx, `SELECT last_seen FROM iocs WHERE source = 'it-feed' AND value = '1.2.3.4'`).Scan(&lastSeen); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if !lastSeen.Equal(late) {
		t.Errorf("Expected last_seen %v, got %v", late, lastSeen)
	}

	byType, err := repo.CountByType(ctx)
	if err != nil {
		t.Fatalf("CountByType failed: %v", err)
	}
	if byType["ip"] < 1 || byType["domain"] < 1 {
		t.Errorf("Unexpected type counts %v", byType)
	}
}
