package device

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/hame-relay-core/internal/infrastructure/database"
	"github.com/nerrad567/hame-relay-core/migrations"
)

// setupStateHistoryTestDB opens an in-memory database with the production
// migrations applied.
func setupStateHistoryTestDB(t *testing.T) *database.DB {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close() //nolint:errcheck // Test cleanup
	})

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// insertStateHistoryRow inserts a history row with a specific timestamp.
func insertStateHistoryRow(t *testing.T, db *database.DB, key Key, path, stateJSON string, createdAt time.Time) {
	t.Helper()

	_, err := db.Exec(
		"INSERT INTO state_history (device_key, path, state, source, created_at) VALUES (?, ?, ?, ?, ?)",
		string(key),
		path,
		stateJSON,
		StateHistorySourceDevice,
		createdAt.UTC().Format(historyTimeFormat),
	)
	if err != nil {
		t.Fatalf("failed to insert state history row: %v", err)
	}
}

func TestRecordStateChange(t *testing.T) {
	db := setupStateHistoryTestDB(t)
	repo := NewSQLiteStateHistoryRepository(db.DB)
	ctx := context.Background()

	state := State{"power": "on", "soc": float64(75)}
	if err := repo.RecordStateChange(ctx, hma.Key(), "data", state, ""); err != nil {
		t.Fatalf("RecordStateChange() error = %v", err)
	}

	entries, err := repo.GetHistory(ctx, hma.Key(), HistoryQuery{Limit: 10})
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries length = %d, want 1", len(entries))
	}

	entry := entries[0]
	if entry.DeviceKey != hma.Key() || entry.Path != "data" {
		t.Errorf("entry = %+v, want HMA-1:ABC/data", entry)
	}
	if entry.Source != StateHistorySourceDevice {
		t.Errorf("Source = %q, want %q", entry.Source, StateHistorySourceDevice)
	}
	if entry.State["power"] != "on" || entry.State["soc"] != float64(75) {
		t.Errorf("State = %v", entry.State)
	}
	if entry.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestRecordStateChange_Validation(t *testing.T) {
	db := setupStateHistoryTestDB(t)
	repo := NewSQLiteStateHistoryRepository(db.DB)
	ctx := context.Background()

	if err := repo.RecordStateChange(ctx, "", "data", State{}, ""); err == nil {
		t.Error("expected error for empty key")
	}
	if err := repo.RecordStateChange(ctx, hma.Key(), "", State{}, ""); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := repo.GetHistory(ctx, "", HistoryQuery{}); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestGetHistory(t *testing.T) {
	db := setupStateHistoryTestDB(t)
	repo := NewSQLiteStateHistoryRepository(db.DB)
	ctx := context.Background()

	now := time.Now().UTC()
	insertStateHistoryRow(t, db, hma.Key(), "data", `{"soc":1}`, now.Add(-2*time.Minute))
	insertStateHistoryRow(t, db, hma.Key(), "settings", `{"soc":2}`, now.Add(-1*time.Minute))
	insertStateHistoryRow(t, db, hma.Key(), "data", `{"soc":3}`, now)
	insertStateHistoryRow(t, db, hmg.Key(), "data", `{"soc":9}`, now)

	entries, err := repo.GetHistory(ctx, hma.Key(), HistoryQuery{Limit: 2})
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries length = %d, want 2", len(entries))
	}
	if entries[0].State["soc"] != float64(3) || entries[1].State["soc"] != float64(2) {
		t.Errorf("entries not newest first: %v, %v", entries[0].State, entries[1].State)
	}

	all, err := repo.GetHistory(ctx, hma.Key(), HistoryQuery{})
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("default limit returned %d, want 3", len(all))
	}
}

func TestGetHistory_Filters(t *testing.T) {
	db := setupStateHistoryTestDB(t)
	repo := NewSQLiteStateHistoryRepository(db.DB)
	ctx := context.Background()

	now := time.Now().UTC()
	insertStateHistoryRow(t, db, hma.Key(), "data", `{"soc":1}`, now.Add(-3*time.Minute))
	insertStateHistoryRow(t, db, hma.Key(), "settings", `{"power":"on"}`, now.Add(-2*time.Minute))
	insertStateHistoryRow(t, db, hma.Key(), "data", `{"soc":2}`, now.Add(-1*time.Minute))
	insertStateHistoryRow(t, db, hma.Key(), "data", `{"soc":3}`, now)

	tests := []struct {
		name    string
		query   HistoryQuery
		wantSoc []float64
		wantLen int
	}{
		{name: "path", query: HistoryQuery{Path: "data"}, wantLen: 3, wantSoc: []float64{3, 2, 1}},
		{name: "path with limit", query: HistoryQuery{Path: "data", Limit: 1}, wantLen: 1, wantSoc: []float64{3}},
		{name: "since", query: HistoryQuery{Since: now.Add(-150 * time.Second)}, wantLen: 3},
		{name: "since is exclusive", query: HistoryQuery{Since: now}, wantLen: 0},
		{name: "path and since", query: HistoryQuery{Path: "data", Since: now.Add(-90 * time.Second)}, wantLen: 2, wantSoc: []float64{3, 2}},
		{name: "unknown path", query: HistoryQuery{Path: "status"}, wantLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := repo.GetHistory(ctx, hma.Key(), tt.query)
			if err != nil {
				t.Fatalf("GetHistory() error = %v", err)
			}
			if len(entries) != tt.wantLen {
				t.Fatalf("entries length = %d, want %d", len(entries), tt.wantLen)
			}
			for i, soc := range tt.wantSoc {
				if entries[i].State["soc"] != soc {
					t.Errorf("entries[%d].soc = %v, want %v", i, entries[i].State["soc"], soc)
				}
			}
		})
	}
}

func TestPruneHistory(t *testing.T) {
	db := setupStateHistoryTestDB(t)
	repo := NewSQLiteStateHistoryRepository(db.DB)
	ctx := context.Background()

	now := time.Now().UTC()
	insertStateHistoryRow(t, db, hma.Key(), "data", `{"soc":1}`, now.Add(-48*time.Hour))
	insertStateHistoryRow(t, db, hma.Key(), "data", `{"soc":2}`, now.Add(-time.Hour))

	deleted, err := repo.PruneHistory(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneHistory() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	if _, err := repo.PruneHistory(ctx, 0); err == nil {
		t.Error("PruneHistory(0) expected error")
	}
}
