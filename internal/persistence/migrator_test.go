package persistence_test

import (
	"context"
	"sync"
	"testing"

	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/persistence"
	"ArenaLedger/internal/testutil"
	"ArenaLedger/migrations"
)

func TestMigratorStatusAfterUp(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	m := persistence.NewMigrator(db, migrations.FS, observability.NopLogger())
	statuses, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(statuses))
	}
	if statuses[0].Version != "000001" || statuses[1].Version != "000002" {
		t.Fatalf("unexpected order: %s, %s", statuses[0].Version, statuses[1].Version)
	}
	for _, st := range statuses {
		if st.AppliedAt == nil {
			t.Errorf("%s should be applied", st.Filename)
		}
	}
}

func TestMigratorConcurrentUpIsNoop(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := persistence.NewMigrator(db, migrations.FS, observability.NopLogger()).Up(ctx)
			if err != nil {
				t.Errorf("up: %v", err)
				return
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 0 {
		t.Fatalf("already-migrated schema applied %d migrations", total)
	}
}
