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

package agentloop

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTurnInProgress is returned by TurnLock.TryAcquire when a turn is
// already running for the given (session_id, branch_id).
var ErrTurnInProgress = errors.New("agentloop: a turn is already in progress for this session/branch")

// TurnLock serializes turns per (session_id, branch_id): only one turn
// may run for a given key at a time, and a second caller is turned
// away rather than queued.
type TurnLock struct {
	mu      sync.Mutex
	holders map[string]bool
}

// NewTurnLock constructs an empty TurnLock registry.
func NewTurnLock() *TurnLock {
	return &TurnLock{holders: make(map[string]bool)}
}

func lockKey(sessionID, branchID string) string {
	return sessionID + "\x00" + branchID
}

// TryAcquire attempts to take the lock for (sessionID, branchID),
// returning ErrTurnInProgress (and a nil release function) if it is
// already held. On success the caller must call the returned release
// function exactly once to avoid deadlocking subsequent turns.
func (l *TurnLock) TryAcquire(sessionID, branchID string) (release func(), err error) {
	key := lockKey(sessionID, branchID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[key] {
		return nil, fmt.Errorf("%w: session=%s branch=%s", ErrTurnInProgress, sessionID, branchID)
	}
	l.holders[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.holders, key)
	}, nil
}
