package orchestra

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	workerpkg "github.com/petrijr/orchestra/pkg/worker"
)

func openBundleDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	return db
}

func bundleFlow() *Builder {
	b := New("bundle-add-one", 1)
	b.WaitForEvent("await", EventSpec{Name: "go"}).
		Then("add-one", addInt(1))
	return b
}

// TestSQLiteBundle_DurableAcrossRestart enqueues an event in one process,
// then lets a second bundle over the same database deliver it and finish
// the instance, assuming definitions are re-registered on startup.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "orchestra_bundle.db")
	opts := Options{
		HostID:            "bundle-host",
		AwaitPublish:      true,
		WorkerIdleTimeout: 20 * time.Millisecond,
		Logger:            slog.New(slog.DiscardHandler),
	}

	// --- Phase 1: start an instance and enqueue its event, no delivery yet.

	db1 := openBundleDB(t, path)
	bundle1, err := NewSQLiteBundle(ctx, db1, workerpkg.Config{MaxAttempts: 3}, opts)
	require.NoError(t, err)
	require.NoError(t, bundleFlow().Register(bundle1.Controller))

	id, err := bundle1.Controller.StartOrchestration(ctx, StartRequest{DefinitionID: "bundle-add-one", Key: "job-1", Data: 41})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ptrs, err := bundle1.Controller.GetExecutionPointers(ctx, id)
		return err == nil && len(ptrs) == 1 && ptrs[0].Status == PointerWaitingForEvent
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, bundle1.Worker.EnqueueEvent(ctx, EventRequest{Name: "go", OrchestrationKey: "job-1"}))
	require.Equal(t, 1, bundle1.Pending())

	bundle1.Controller.Stop()
	require.NoError(t, db1.Close())

	// --- Phase 2: a fresh process delivers the queued event.

	db2 := openBundleDB(t, path)
	defer db2.Close()
	bundle2, err := NewSQLiteBundle(ctx, db2, workerpkg.Config{MaxAttempts: 3}, opts)
	require.NoError(t, err)
	defer bundle2.Controller.Stop()
	require.NoError(t, bundleFlow().Register(bundle2.Controller))
	require.NoError(t, bundle2.Controller.Start(ctx))
	require.Equal(t, 1, bundle2.Pending(), "queued event must survive the restart")

	processed, err := bundle2.Worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	require.Equal(t, 0, bundle2.Pending())

	inst, err := WaitForStatus(ctx, bundle2.Controller, id, 5*time.Millisecond, StatusCompleted)
	require.NoError(t, err)
	require.Equal(t, 42, inst.Data)
}
