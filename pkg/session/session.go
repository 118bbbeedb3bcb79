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

// Package session defines the per-turn Session, its durable
// SessionSnapshot/ExecutionCheckpoint/PendingWrites forms, and the
// Store contract backing crash recovery.
package session

import (
	"sync"
	"time"

	"github.com/kadirpekel/agentcore/pkg/message"
)

// VersionedValue is one middleware's persistent state, tagged with the
// state_version the middleware declared when it was written. A Store
// invokes the owning middleware's migrate function when the version on
// load is older than the middleware's current version.
type VersionedValue struct {
	Version int `json:"version"`
	Value   any `json:"value"`
}

// OperationMetadata summarizes the function calls an iteration produced,
// recorded in AgentLoopState and so in its checkpoints.
type OperationMetadata struct {
	HadFunctionCalls  bool     `json:"had_function_calls"`
	FunctionCalls     []string `json:"function_calls,omitempty"`
	FunctionCallCount int      `json:"function_call_count"`
}

// AgentLoopState is the Agentic Loop's in-flight state for a turn. It is
// the payload of both Session.ExecutionState (while a turn runs) and
// ExecutionCheckpoint.ExecutionState (persisted at checkpoint frequency).
type AgentLoopState struct {
	Iteration           int               `json:"iteration"`
	MaxIterations       int               `json:"max_iterations"`
	CurrentMessages     []message.Message `json:"current_messages"`
	ApprovedToolCallIDs map[string]bool   `json:"approved_tool_call_ids,omitempty"`
	OperationMetadata   OperationMetadata `json:"operation_metadata"`
	MiddlewareRuntime   map[string]any    `json:"middleware_runtime_state,omitempty"`
}

// Clone returns a deep-enough copy so a caller can mutate the returned
// state without racing the turn that owns the original.
func (s AgentLoopState) Clone() AgentLoopState {
	out := s
	out.CurrentMessages = append([]message.Message(nil), s.CurrentMessages...)
	if s.ApprovedToolCallIDs != nil {
		out.ApprovedToolCallIDs = make(map[string]bool, len(s.ApprovedToolCallIDs))
		for k, v := range s.ApprovedToolCallIDs {
			out.ApprovedToolCallIDs[k] = v
		}
	}
	if s.MiddlewareRuntime != nil {
		out.MiddlewareRuntime = make(map[string]any, len(s.MiddlewareRuntime))
		for k, v := range s.MiddlewareRuntime {
			out.MiddlewareRuntime[k] = v
		}
	}
	return out
}

// Session is the unit the Agentic Loop operates on: an append-only
// message history plus cross-turn middleware state. Messages only grow;
// a turn appends to Messages and never rewrites earlier entries.
// ExecutionState is non-nil only while a turn is in flight.
type Session struct {
	ID                        string                    `json:"id"`
	CreatedAt                 time.Time                 `json:"created_at"`
	LastActivity              time.Time                 `json:"last_activity"`
	Messages                  []message.Message         `json:"messages"`
	Metadata                  map[string]any            `json:"metadata,omitempty"`
	MiddlewarePersistentState map[string]VersionedValue `json:"middleware_persistent_state,omitempty"`
	ExecutionState            *AgentLoopState           `json:"execution_state,omitempty"`

	mu sync.Mutex
}

// New constructs an empty Session with the given id.
func New(id string) *Session {
	now := time.Now()
	return &Session{
		ID:                        id,
		CreatedAt:                 now,
		LastActivity:              now,
		Metadata:                  make(map[string]any),
		MiddlewarePersistentState: make(map[string]VersionedValue),
	}
}

// AppendMessages appends to the session's message history. This is the
// only mutation allowed on Messages, and it must only be called by the
// Agentic Loop, which serializes access per session via its turn lock;
// the internal mutex guards against accidental concurrent callers.
func (s *Session) AppendMessages(msgs ...message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, msgs...)
	s.LastActivity = time.Now()
}

// Snapshot returns the SessionSnapshot form of s, suitable for
// save_snapshot at turn end.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		Version:         1,
		SessionID:       s.ID,
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.LastActivity,
		Messages:        append([]message.Message(nil), s.Messages...),
		Metadata:        copyMap(s.Metadata),
		PersistentState: copyStateMap(s.MiddlewarePersistentState),
	}
}

// FromSnapshot reconstructs a Session from its durable form.
func FromSnapshot(snap SessionSnapshot) *Session {
	return &Session{
		ID:                        snap.SessionID,
		CreatedAt:                 snap.CreatedAt,
		LastActivity:              snap.LastActivity,
		Messages:                  append([]message.Message(nil), snap.Messages...),
		Metadata:                  copyMap(snap.Metadata),
		MiddlewarePersistentState: copyStateMap(snap.PersistentState),
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStateMap(m map[string]VersionedValue) map[string]VersionedValue {
	if m == nil {
		return make(map[string]VersionedValue)
	}
	out := make(map[string]VersionedValue, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SessionSnapshot is the durable, post-turn form of a Session.
type SessionSnapshot struct {
	Version         int                       `json:"version"`
	SessionID       string                    `json:"session_id"`
	CreatedAt       time.Time                 `json:"created_at"`
	LastActivity    time.Time                 `json:"last_activity"`
	Messages        []message.Message         `json:"messages"`
	Metadata        map[string]any            `json:"metadata,omitempty"`
	PersistentState map[string]VersionedValue `json:"persistent_state,omitempty"`
}

// CheckpointSource identifies what cadence produced a checkpoint.
type CheckpointSource string

const (
	SourcePerTurn      CheckpointSource = "per-turn"
	SourcePerIteration CheckpointSource = "per-iteration"
	SourceManual       CheckpointSource = "manual"
)

// ExecutionCheckpoint is an intra-turn snapshot of AgentLoopState,
// chained to its predecessor by ParentCheckpointID so a manifest can
// reconstruct checkpoint lineage.
type ExecutionCheckpoint struct {
	ID                 string           `json:"id"`
	SessionID          string           `json:"session_id"`
	ParentCheckpointID string           `json:"parent_checkpoint_id,omitempty"`
	Step               int              `json:"step"`
	Source             CheckpointSource `json:"source"`
	CreatedAt          time.Time        `json:"created_at"`
	ExecutionState     AgentLoopState   `json:"execution_state"`

	// Phase is a finer, event-driven grain than Source: which point
	// within the iteration produced this checkpoint. Orthogonal to
	// Source, so tool-approval suspension and pending-write recovery
	// can checkpoint at the exact moment they occur, not just at
	// iteration boundaries.
	Phase Phase `json:"phase,omitempty"`
}

// Phase is the execution phase within an iteration when a checkpoint
// was created.
type Phase string

const (
	PhasePreLLM        Phase = "pre_llm"
	PhasePostLLM       Phase = "post_llm"
	PhaseToolExecution Phase = "tool_execution"
	PhasePostTool      Phase = "post_tool"
	PhaseIterationEnd  Phase = "iteration_end"
	PhaseToolApproval  Phase = "tool_approval"
	PhaseError         Phase = "error"
)

// PendingWrite is one tool call's durable result, recorded as it
// completes so a crash mid-dispatch does not lose already-finished
// parallel tool calls.
type PendingWrite struct {
	CallID string `json:"call_id"`
	Value  any    `json:"value"`
}

// PendingWrites accumulates PendingWrite records for one checkpoint
// until they are promoted into the next checkpoint on successful
// iteration completion.
type PendingWrites struct {
	Version      int            `json:"version"`
	SessionID    string         `json:"session_id"`
	CheckpointID string         `json:"checkpoint_id"`
	Results      []PendingWrite `json:"results"`
}

// HasCallID reports whether call_id already has a durable result,
// letting the Tool Scheduler skip re-invoking it on resume.
func (p PendingWrites) HasCallID(callID string) bool {
	for _, r := range p.Results {
		if r.CallID == callID {
			return true
		}
	}
	return false
}

// ManifestEntry indexes one snapshot or checkpoint for a session,
// returned newest-first by get_checkpoint_manifest.
type ManifestEntry struct {
	Kind      string           `json:"kind"` // "snapshot" | "checkpoint"
	ID        string           `json:"id"`
	Step      int              `json:"step,omitempty"`
	Source    CheckpointSource `json:"source,omitempty"`
	Phase     Phase            `json:"phase,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Stats summarizes in-flight checkpoints across sessions, giving
// operators visibility beyond the per-session manifest.
type Stats struct {
	TotalSessions           int `json:"total_sessions"`
	SessionsWithCheckpoints int `json:"sessions_with_checkpoints"`
	TotalCheckpoints        int `json:"total_checkpoints"`
	TotalPendingWrites      int `json:"total_pending_writes"`
}
