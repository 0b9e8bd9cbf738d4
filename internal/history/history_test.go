package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/vibetunnel/termd/internal/testutil"
)

func TestCreatedAndExitedRoundTrip(t *testing.T) {
	store, cleanup := testutil.OpenTestHistory(t)
	defer cleanup()

	ctx := context.Background()
	started := time.Now()
	if err := store.Created(ctx, "sess-1", "echo", []string{"echo", "hi"}, "/tmp", 1234, 80, 24, started); err != nil {
		t.Fatalf("Created: %v", err)
	}

	if err := store.Exited(ctx, "sess-1", 0, "", started.Add(time.Second)); err != nil {
		t.Fatalf("Exited: %v", err)
	}

	recs, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].ID != "sess-1" || len(recs[0].Command) != 2 {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
	if !recs[0].ExitCode.Valid || recs[0].ExitCode.Int32 != 0 {
		t.Fatalf("expected exit code 0 recorded, got %+v", recs[0].ExitCode)
	}
}
