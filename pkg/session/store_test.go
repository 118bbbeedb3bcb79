package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentcore/pkg/message"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	fileStore, err := NewFileStore(dir)
	require.NoError(t, err)

	sqliteStore, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"sqlite": sqliteStore,
	}
}

func TestStoreLoadSessionCreatesEmpty(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			sess, err := store.LoadSession(context.Background(), "sess-1")
			require.NoError(t, err)
			assert.Equal(t, "sess-1", sess.ID)
			assert.Empty(t, sess.Messages)
		})
	}
}

func TestStoreSaveAndLoadSnapshotRoundTrips(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := New("sess-1")
			sess.AppendMessages(message.NewText(message.RoleUser, "hi"))
			sess.MiddlewarePersistentState["history"] = VersionedValue{Version: 1, Value: "summary"}

			require.NoError(t, store.SaveSnapshot(ctx, sess))

			reloaded, err := store.LoadSession(ctx, "sess-1")
			require.NoError(t, err)
			require.Len(t, reloaded.Messages, 1)
			assert.Equal(t, message.KindText, reloaded.Messages[0].Contents[0].Kind())
			assert.Equal(t, "hi", reloaded.Messages[0].Contents[0].Text)
			assert.Equal(t, 1, reloaded.MiddlewarePersistentState["history"].Version)
		})
	}
}

func TestStoreCheckpointManifestOrdering(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for step := 1; step <= 3; step++ {
				cp := ExecutionCheckpoint{
					ID:        "cp-" + string(rune('0'+step)),
					SessionID: "sess-1",
					Step:      step,
					Source:    SourcePerIteration,
					CreatedAt: time.Now(),
				}
				require.NoError(t, store.SaveCheckpoint(ctx, cp))
			}

			manifest, err := store.GetCheckpointManifest(ctx, "sess-1")
			require.NoError(t, err)
			require.Len(t, manifest, 3)
			assert.Equal(t, 3, manifest[0].Step)
			assert.Equal(t, 2, manifest[1].Step)
			assert.Equal(t, 1, manifest[2].Step)

			latest, err := store.LoadCheckpointLatest(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, 3, latest.Step)
		})
	}
}

func TestStorePendingWritesSkipAlreadyCompletedCalls(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SavePendingWrites(ctx, "sess-1", "cp-1", []PendingWrite{
				{CallID: "call-A", Value: "ok"},
			}))

			pw, err := store.LoadPendingWrites(ctx, "sess-1", "cp-1")
			require.NoError(t, err)
			assert.True(t, pw.HasCallID("call-A"))
			assert.False(t, pw.HasCallID("call-B"))

			require.NoError(t, store.PromoteCheckpoint(ctx, "sess-1", "cp-1"))
			_, err = store.LoadPendingWrites(ctx, "sess-1", "cp-1")
			assert.ErrorIs(t, err, ErrPendingWritesNotFound)
		})
	}
}

func TestStorePruneCheckpointsKeepsLatest(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for step := 1; step <= 5; step++ {
				require.NoError(t, store.SaveCheckpoint(ctx, ExecutionCheckpoint{
					ID: "cp-" + string(rune('0'+step)), SessionID: "sess-1", Step: step,
					Source: SourcePerIteration, CreatedAt: time.Now(),
				}))
			}

			require.NoError(t, store.PruneCheckpoints(ctx, "sess-1", 2))
			manifest, err := store.GetCheckpointManifest(ctx, "sess-1")
			require.NoError(t, err)
			assert.Len(t, manifest, 2)
			assert.Equal(t, 5, manifest[0].Step)
			assert.Equal(t, 4, manifest[1].Step)
		})
	}
}

func TestStoreGetPendingCheckpointsFiltersByPhase(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SaveCheckpoint(ctx, ExecutionCheckpoint{
				ID: "cp-done", SessionID: "sess-1", Step: 1, Source: SourcePerIteration,
				Phase: PhasePostLLM, CreatedAt: time.Now(),
			}))
			require.NoError(t, store.SaveCheckpoint(ctx, ExecutionCheckpoint{
				ID: "cp-pending", SessionID: "sess-1", Step: 2, Source: SourcePerIteration,
				Phase: PhaseToolApproval, CreatedAt: time.Now(),
			}))

			pending, err := store.GetPendingCheckpoints(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, "cp-pending", pending[0].ID)
		})
	}
}

func TestStoreDeleteInactiveSessionsDryRun(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := New("stale")
			sess.LastActivity = time.Now().Add(-48 * time.Hour)
			require.NoError(t, store.SaveSnapshot(ctx, sess))

			ids, err := store.DeleteInactiveSessions(ctx, time.Hour, true)
			require.NoError(t, err)
			assert.Contains(t, ids, "stale")

			// Dry run must not have deleted anything.
			_, err = store.LoadSession(ctx, "stale")
			require.NoError(t, err)
		})
	}
}
