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

package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store, useful for tests and for
// development wiring. It honors the same manifest-then-blob ordering
// contract as the durable stores so tests exercise identical semantics.
type MemoryStore struct {
	mu sync.Mutex

	snapshots    map[string]SessionSnapshot
	checkpoints  map[string]map[string]ExecutionCheckpoint // sessionID -> checkpointID -> cp
	pending      map[string]map[string]PendingWrites        // sessionID -> checkpointID -> writes
	lastActivity map[string]time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:    make(map[string]SessionSnapshot),
		checkpoints:  make(map[string]map[string]ExecutionCheckpoint),
		pending:      make(map[string]map[string]PendingWrites),
		lastActivity: make(map[string]time.Time),
	}
}

func (m *MemoryStore) LoadSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap, ok := m.snapshots[id]; ok {
		return FromSnapshot(snap), nil
	}
	return New(id), nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[sess.ID] = sess.Snapshot()
	m.lastActivity[sess.ID] = sess.LastActivity
	return nil
}

func (m *MemoryStore) SaveCheckpoint(_ context.Context, cp ExecutionCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoints[cp.SessionID] == nil {
		m.checkpoints[cp.SessionID] = make(map[string]ExecutionCheckpoint)
	}
	m.checkpoints[cp.SessionID][cp.ID] = cp
	return nil
}

func (m *MemoryStore) LoadCheckpointLatest(_ context.Context, sessionID string) (ExecutionCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.checkpoints[sessionID]
	var latest ExecutionCheckpoint
	found := false
	for _, cp := range cps {
		if !found || cp.Step > latest.Step {
			latest = cp
			found = true
		}
	}
	if !found {
		return ExecutionCheckpoint{}, ErrCheckpointNotFound
	}
	return latest, nil
}

func (m *MemoryStore) LoadCheckpointAt(_ context.Context, sessionID, checkpointID string) (ExecutionCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[sessionID][checkpointID]
	if !ok {
		return ExecutionCheckpoint{}, ErrCheckpointNotFound
	}
	return cp, nil
}

func (m *MemoryStore) GetCheckpointManifest(_ context.Context, sessionID string) ([]ManifestEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []ManifestEntry
	if snap, ok := m.snapshots[sessionID]; ok {
		entries = append(entries, ManifestEntry{
			Kind: "snapshot", ID: snap.SessionID, CreatedAt: snap.LastActivity,
		})
	}
	for _, cp := range m.checkpoints[sessionID] {
		entries = append(entries, ManifestEntry{
			Kind: "checkpoint", ID: cp.ID, Step: cp.Step, Source: cp.Source,
			Phase: cp.Phase, CreatedAt: cp.CreatedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Step > entries[j].Step })
	return entries, nil
}

func (m *MemoryStore) SavePendingWrites(_ context.Context, sessionID, checkpointID string, writes []PendingWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[sessionID] == nil {
		m.pending[sessionID] = make(map[string]PendingWrites)
	}
	pw := m.pending[sessionID][checkpointID]
	pw.Version = 1
	pw.SessionID = sessionID
	pw.CheckpointID = checkpointID
	pw.Results = append(pw.Results, writes...)
	m.pending[sessionID][checkpointID] = pw
	return nil
}

func (m *MemoryStore) LoadPendingWrites(_ context.Context, sessionID, checkpointID string) (PendingWrites, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pw, ok := m.pending[sessionID][checkpointID]
	if !ok {
		return PendingWrites{}, ErrPendingWritesNotFound
	}
	return pw, nil
}

func (m *MemoryStore) PromoteCheckpoint(_ context.Context, sessionID, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending[sessionID], checkpointID)
	return nil
}

func (m *MemoryStore) PruneCheckpoints(_ context.Context, sessionID string, keepLatest int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.checkpoints[sessionID]
	if len(cps) <= keepLatest {
		return nil
	}
	ordered := make([]ExecutionCheckpoint, 0, len(cps))
	for _, cp := range cps {
		ordered = append(ordered, cp)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Step > ordered[j].Step })
	for _, cp := range ordered[keepLatest:] {
		delete(cps, cp.ID)
		delete(m.pending[sessionID], cp.ID)
	}
	return nil
}

func (m *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, cps := range m.checkpoints {
		for id, cp := range cps {
			if cp.CreatedAt.Before(cutoff) {
				delete(cps, id)
				delete(m.pending[sid], id)
			}
		}
	}
	return nil
}

func (m *MemoryStore) DeleteInactiveSessions(_ context.Context, threshold time.Duration, dryRun bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	var ids []string
	for id, last := range m.lastActivity {
		if last.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	if !dryRun {
		for _, id := range ids {
			delete(m.snapshots, id)
			delete(m.checkpoints, id)
			delete(m.pending, id)
			delete(m.lastActivity, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) DeleteCheckpoints(_ context.Context, sessionID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.checkpoints[sessionID], id)
		delete(m.pending[sessionID], id)
	}
	return nil
}

func (m *MemoryStore) GetPendingCheckpoints(_ context.Context) ([]ExecutionCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExecutionCheckpoint
	for _, cps := range m.checkpoints {
		for _, cp := range cps {
			if cp.Phase == PhaseToolApproval || cp.Phase == PhaseError {
				out = append(out, cp)
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) GetStats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{TotalSessions: len(m.snapshots)}
	for sid, cps := range m.checkpoints {
		if len(cps) > 0 {
			stats.SessionsWithCheckpoints++
		}
		stats.TotalCheckpoints += len(cps)
		stats.TotalPendingWrites += len(m.pending[sid])
	}
	return stats, nil
}

var _ Store = (*MemoryStore)(nil)
