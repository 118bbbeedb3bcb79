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

package middleware

import (
	"sync"

	"github.com/kadirpekel/agentcore/pkg/session"
)

// StateStore is the turn-scoped handle a middleware uses to read and
// update its own persistent and runtime state. State is immutable from
// the middleware's point of view: a middleware never mutates a value in
// place, it calls UpdateXxx with a pure `s -> s'` function and the store
// swaps the slot atomically. This keeps concurrent tool-call wraps (one
// goroutine per parallel call) from racing on shared state.
type StateStore struct {
	mu sync.Mutex

	persistent map[string]session.VersionedValue
	runtime    map[string]any
}

// NewStateStore constructs a StateStore seeded from a session's
// persistent state (already migrated) and a fresh, empty runtime map.
func NewStateStore(persistent map[string]session.VersionedValue) *StateStore {
	if persistent == nil {
		persistent = make(map[string]session.VersionedValue)
	}
	return &StateStore{persistent: persistent, runtime: make(map[string]any)}
}

// Persistent returns the raw value stored under key, or nil if absent.
func (s *StateStore) Persistent(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.persistent[key]; ok {
		return v.Value
	}
	return nil
}

// UpdatePersistent applies fn to the current value under key (nil if
// absent) and stores the result tagged with version, flowing into the
// session snapshot at turn end.
func (s *StateStore) UpdatePersistent(key string, version int, fn func(old any) any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var old any
	if v, ok := s.persistent[key]; ok {
		old = v.Value
	}
	s.persistent[key] = session.VersionedValue{Version: version, Value: fn(old)}
}

// Runtime returns the raw value stored under key, or nil if absent.
func (s *StateStore) Runtime(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime[key]
}

// UpdateRuntime applies fn to the current runtime value under key (nil
// if absent) and stores the result. Runtime state never survives past
// the current turn.
func (s *StateStore) UpdateRuntime(key string, fn func(old any) any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtime[key] = fn(s.runtime[key])
}

// SnapshotPersistent returns a copy of the full persistent state map,
// suitable for merging back into session.Session.MiddlewarePersistentState
// at turn end.
func (s *StateStore) SnapshotPersistent() map[string]session.VersionedValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]session.VersionedValue, len(s.persistent))
	for k, v := range s.persistent {
		out[k] = v
	}
	return out
}

// MigrateAll runs every middleware's Migrate function over the loaded
// persistent state whenever the stored version is older than the
// middleware declares. It mutates the store's persistent map in place.
func MigrateAll(store *StateStore, mws []Middleware) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, mw := range mws {
		key := mw.StateKey()
		cur, ok := store.persistent[key]
		if !ok {
			continue
		}
		want := mw.StateVersion()
		if cur.Version >= want {
			continue
		}
		migrated, err := mw.Migrate(cur.Version, cur.Value)
		if err != nil {
			return err
		}
		store.persistent[key] = session.VersionedValue{Version: want, Value: migrated}
	}
	return nil
}
