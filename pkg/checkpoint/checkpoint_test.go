package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentcore/pkg/message"
	"github.com/kadirpekel/agentcore/pkg/session"
)

func enabledConfig() *Config {
	return &Config{Frequency: FrequencyPerIteration, EveryNIterations: 2, KeepLatest: 1}
}

func TestManagerSaveDisabledIsNoop(t *testing.T) {
	store := session.NewMemoryStore()
	m := NewManager(nil, store)
	require.False(t, m.IsEnabled())

	err := m.Save(context.Background(), session.ExecutionCheckpoint{SessionID: "s1", Step: 1})
	require.NoError(t, err)

	_, err = store.LoadCheckpointLatest(context.Background(), "s1")
	assert.ErrorIs(t, err, session.ErrCheckpointNotFound)
}

func TestManagerSavePrunesToKeepLatest(t *testing.T) {
	store := session.NewMemoryStore()
	m := NewManager(enabledConfig(), store)
	ctx := context.Background()

	for step := 1; step <= 3; step++ {
		require.NoError(t, m.Save(ctx, session.ExecutionCheckpoint{SessionID: "s1", Step: step}))
	}

	manifest, err := store.GetCheckpointManifest(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, manifest, 1)
	assert.Equal(t, 3, manifest[0].Step)
}

func TestCapturesIterationThinsByEveryN(t *testing.T) {
	cfg := enabledConfig()
	assert.False(t, cfg.CapturesIteration(1))
	assert.True(t, cfg.CapturesIteration(2))
	assert.True(t, cfg.CapturesIteration(4))

	off := &Config{}
	off.SetDefaults()
	assert.False(t, off.CapturesIteration(2))
}

func TestHooksOnIterationEndRespectsInterval(t *testing.T) {
	store := session.NewMemoryStore()
	m := NewManager(enabledConfig(), store)
	h := NewHooks(m)
	ctx := context.Background()

	h.OnIterationEnd(ctx, session.ExecutionCheckpoint{SessionID: "s1", Step: 1}, 1)
	_, err := store.LoadCheckpointLatest(ctx, "s1")
	assert.ErrorIs(t, err, session.ErrCheckpointNotFound)

	h.OnIterationEnd(ctx, session.ExecutionCheckpoint{SessionID: "s1", Step: 2}, 2)
	cp, err := store.LoadCheckpointLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.PhaseIterationEnd, cp.Phase)
}

func TestHooksOnToolApprovalRequiredPersistsPendingCheckpoint(t *testing.T) {
	store := session.NewMemoryStore()
	m := NewManager(enabledConfig(), store)
	h := NewHooks(m)
	ctx := context.Background()

	h.OnToolApprovalRequired(ctx, session.ExecutionCheckpoint{SessionID: "s1", Step: 1})

	pending, err := m.GetPendingCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, session.PhaseToolApproval, pending[0].Phase)
}

func TestNilHooksAreNoops(t *testing.T) {
	var h *Hooks
	assert.NotPanics(t, func() {
		h.BeforeLLMCall(context.Background(), session.ExecutionCheckpoint{})
		h.OnComplete(context.Background(), "s1")
	})
}

func TestIsStaleComparesMessageCounts(t *testing.T) {
	current := session.New("s1")
	current.AppendMessages(message.NewText(message.RoleUser, "hi"))

	fresh := session.ExecutionCheckpoint{
		ExecutionState: session.AgentLoopState{
			CurrentMessages: []message.Message{message.NewText(message.RoleUser, "hi")},
		},
	}
	assert.False(t, IsStale(fresh, current))

	stale := session.ExecutionCheckpoint{
		ExecutionState: session.AgentLoopState{
			CurrentMessages: []message.Message{
				message.NewText(message.RoleUser, "hi"),
				message.NewText(message.RoleAssistant, "hello"),
			},
		},
	}
	assert.True(t, IsStale(stale, current))
}
