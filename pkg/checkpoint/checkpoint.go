// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package checkpoint turns the agentic loop's raw per-iteration state
// into ExecutionCheckpoint writes against a session.Store, and exposes
// the Manager/Hooks integration surface the loop calls into.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/agentcore/pkg/observability"
	"github.com/kadirpekel/agentcore/pkg/session"
)

// Frequency is the base cadence checkpoints are written at.
type Frequency string

const (
	// FrequencyOff disables every hook; no checkpoints are written.
	FrequencyOff Frequency = "off"
	// FrequencyManual writes no per-iteration checkpoints: OnIterationEnd
	// no-ops, while Manager.Save and the other hooks still write.
	FrequencyManual Frequency = "manual"
	// FrequencyPerIteration writes at iteration boundaries, thinned by
	// EveryNIterations.
	FrequencyPerIteration Frequency = "per-iteration"
)

// Config tunes when the Hooks write checkpoints and how many survive.
// The zero value disables checkpointing.
type Config struct {
	Frequency Frequency

	// EveryNIterations thins per-iteration checkpoints: one is written
	// when the just-finished iteration count is a positive multiple of
	// it. 1 checkpoints every iteration.
	EveryNIterations int

	// CapturePreModel additionally checkpoints around each model call,
	// so a crash mid-call can replay from the exact prompt it was sent.
	CapturePreModel bool

	// CapturePostTools additionally checkpoints once a full parallel
	// tool round has been folded into the conversation.
	CapturePostTools bool

	// KeepLatest bounds how many checkpoints a session retains; older
	// ones are pruned after each save.
	KeepLatest int
}

// SetDefaults fills Config's zero fields with safe defaults.
func (c *Config) SetDefaults() {
	if c.Frequency == "" {
		c.Frequency = FrequencyOff
	}
	if c.EveryNIterations <= 0 {
		c.EveryNIterations = 1
	}
	if c.KeepLatest <= 0 {
		c.KeepLatest = 3
	}
}

// Validate checks Config for internal consistency.
func (c *Config) Validate() error {
	switch c.Frequency {
	case "", FrequencyOff, FrequencyManual, FrequencyPerIteration:
	default:
		return fmt.Errorf("checkpoint: invalid frequency %q", c.Frequency)
	}
	return nil
}

// Enabled reports whether any checkpoint writes happen at all.
func (c *Config) Enabled() bool {
	return c != nil && c.Frequency != "" && c.Frequency != FrequencyOff
}

// CapturesIteration reports whether finishing iteration should write a
// checkpoint under the per-iteration cadence.
func (c *Config) CapturesIteration(iteration int) bool {
	return c.Enabled() && c.Frequency == FrequencyPerIteration &&
		iteration > 0 && iteration%c.EveryNIterations == 0
}

// Manager orchestrates checkpoint writes, lookups, and retention
// against a session.Store.
type Manager struct {
	config *Config
	store  session.Store
}

// NewManager constructs a Manager. A nil cfg gets SetDefaults applied.
func NewManager(cfg *Config, store session.Store) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()
	return &Manager{config: cfg, store: store}
}

// Config returns the manager's configuration.
func (m *Manager) Config() *Config { return m.config }

// IsEnabled reports whether checkpointing is on.
func (m *Manager) IsEnabled() bool { return m.config.Enabled() }

// Save persists cp, stamping an id and creation time where unset, and prunes
// older checkpoints per the configured retention policy. A no-op when
// checkpointing is disabled.
func (m *Manager) Save(ctx context.Context, cp session.ExecutionCheckpoint) error {
	if !m.IsEnabled() {
		return nil
	}
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	start := time.Now()
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	observability.GlobalRecorder().RecordCheckpointSave(ctx, string(cp.Source), time.Since(start))
	if err := m.store.PruneCheckpoints(ctx, cp.SessionID, m.config.KeepLatest); err != nil {
		slog.Warn("checkpoint: prune failed", "session_id", cp.SessionID, "error", err)
	}
	return nil
}

// LoadLatest returns the most recent checkpoint for a session.
func (m *Manager) LoadLatest(ctx context.Context, sessionID string) (session.ExecutionCheckpoint, error) {
	return m.store.LoadCheckpointLatest(ctx, sessionID)
}

// GetPendingCheckpoints lists unfinished-turn checkpoints across every
// session, for operator-facing recovery tooling.
func (m *Manager) GetPendingCheckpoints(ctx context.Context) ([]session.ExecutionCheckpoint, error) {
	return m.store.GetPendingCheckpoints(ctx)
}

// GetStats summarizes in-flight checkpoint state across sessions.
func (m *Manager) GetStats(ctx context.Context) (session.Stats, error) {
	return m.store.GetStats(ctx)
}

// IsStale reports whether cp's captured message count exceeds the
// current session's message count. Recovery is always explicit: nothing
// auto-loads a checkpoint, and the caller is expected to treat one
// whose history has since diverged as invalid.
func IsStale(cp session.ExecutionCheckpoint, current *session.Session) bool {
	return len(cp.ExecutionState.CurrentMessages) > len(current.Messages)
}

// Hooks are the agentic loop's integration points into checkpointing:
// the loop calls a single named hook at each phase transition instead
// of hand-rolling Save calls inline.
type Hooks struct {
	manager *Manager
}

// NewHooks constructs Hooks bound to manager. A nil manager yields a
// Hooks whose methods are all no-ops.
func NewHooks(manager *Manager) *Hooks { return &Hooks{manager: manager} }

func (h *Hooks) save(ctx context.Context, cp session.ExecutionCheckpoint, phase session.Phase, logMsg string) {
	if h == nil || h.manager == nil {
		return
	}
	cp.Phase = phase
	if err := h.manager.Save(ctx, cp); err != nil {
		slog.Warn(logMsg, "session_id", cp.SessionID, "error", err)
	}
}

// BeforeLLMCall checkpoints immediately before a model call when
// CapturePreModel is set.
func (h *Hooks) BeforeLLMCall(ctx context.Context, cp session.ExecutionCheckpoint) {
	if h == nil || h.manager == nil || !h.manager.Config().CapturePreModel || !h.manager.IsEnabled() {
		return
	}
	h.save(ctx, cp, session.PhasePreLLM, "checkpoint: pre-llm save failed")
}

// AfterLLMCall is BeforeLLMCall's closing half, checkpointing the
// response once it has been received.
func (h *Hooks) AfterLLMCall(ctx context.Context, cp session.ExecutionCheckpoint) {
	if h == nil || h.manager == nil || !h.manager.Config().CapturePreModel || !h.manager.IsEnabled() {
		return
	}
	h.save(ctx, cp, session.PhasePostLLM, "checkpoint: post-llm save failed")
}

// BeforeToolExecution checkpoints before tool dispatch begins.
func (h *Hooks) BeforeToolExecution(ctx context.Context, cp session.ExecutionCheckpoint) {
	if h == nil || h.manager == nil || !h.manager.IsEnabled() {
		return
	}
	h.save(ctx, cp, session.PhaseToolExecution, "checkpoint: pre-tool save failed")
}

// AfterToolExecution checkpoints after tool dispatch completes when
// CapturePostTools is set.
func (h *Hooks) AfterToolExecution(ctx context.Context, cp session.ExecutionCheckpoint) {
	if h == nil || h.manager == nil || !h.manager.Config().CapturePostTools || !h.manager.IsEnabled() {
		return
	}
	h.save(ctx, cp, session.PhasePostTool, "checkpoint: post-tool save failed")
}

// OnToolApprovalRequired checkpoints when a tool call suspends for HITL
// approval, so the pending decision survives a crash.
func (h *Hooks) OnToolApprovalRequired(ctx context.Context, cp session.ExecutionCheckpoint) {
	if h == nil || h.manager == nil || !h.manager.IsEnabled() {
		return
	}
	h.save(ctx, cp, session.PhaseToolApproval, "checkpoint: tool-approval save failed")
}

// OnIterationEnd checkpoints at the configured per-iteration cadence.
func (h *Hooks) OnIterationEnd(ctx context.Context, cp session.ExecutionCheckpoint, iteration int) {
	if h == nil || h.manager == nil || !h.manager.Config().CapturesIteration(iteration) {
		return
	}
	cp.Source = session.SourcePerIteration
	h.save(ctx, cp, session.PhaseIterationEnd, "checkpoint: iteration-end save failed")
}

// OnError checkpoints with the error recorded, so recovery tooling can
// distinguish a crash from a deliberate suspension.
func (h *Hooks) OnError(ctx context.Context, cp session.ExecutionCheckpoint) {
	if h == nil || h.manager == nil || !h.manager.IsEnabled() {
		return
	}
	h.save(ctx, cp, session.PhaseError, "checkpoint: error save failed")
}

// OnComplete prunes every checkpoint for a session once a turn
// completes successfully, since the snapshot (not the checkpoint
// trail) is now authoritative.
func (h *Hooks) OnComplete(ctx context.Context, sessionID string) {
	if h == nil || h.manager == nil || !h.manager.IsEnabled() {
		return
	}
	if err := h.manager.store.PruneCheckpoints(ctx, sessionID, 0); err != nil {
		slog.Warn("checkpoint: prune on complete failed", "session_id", sessionID, "error", err)
	}
}
