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
	"errors"
	"time"
)

// ErrSessionNotFound reports a missing session. The stores in this
// package never return it: their LoadSession constructs an empty
// session instead.
var ErrSessionNotFound = errors.New("session: not found")

// ErrCheckpointNotFound is returned by LoadCheckpointAt/LoadCheckpointLatest
// when no matching checkpoint exists.
var ErrCheckpointNotFound = errors.New("session: checkpoint not found")

// ErrPendingWritesNotFound is returned by LoadPendingWrites when no
// pending-write record exists for the given checkpoint.
var ErrPendingWritesNotFound = errors.New("session: pending writes not found")

// Store is the session and checkpoint persistence contract. Every write
// is atomic; a session manifest index is updated only after the
// underlying blob write succeeds, so a crash between the two leaves a
// recoverable orphan blob, never a dangling manifest entry. Recovery is
// always explicit: Store never auto-loads a checkpoint on LoadSession.
type Store interface {
	// LoadSession reads the latest snapshot, or constructs a new empty
	// session if none exists.
	LoadSession(ctx context.Context, id string) (*Session, error)

	// SaveSnapshot atomically persists sess as a post-turn snapshot.
	SaveSnapshot(ctx context.Context, sess *Session) error

	// SaveCheckpoint atomically persists an intra-turn checkpoint.
	SaveCheckpoint(ctx context.Context, cp ExecutionCheckpoint) error

	// LoadCheckpointLatest returns the most recent checkpoint for a
	// session, or ErrCheckpointNotFound if none exists.
	LoadCheckpointLatest(ctx context.Context, sessionID string) (ExecutionCheckpoint, error)

	// LoadCheckpointAt returns a specific checkpoint by id.
	LoadCheckpointAt(ctx context.Context, sessionID, checkpointID string) (ExecutionCheckpoint, error)

	// GetCheckpointManifest returns every snapshot/checkpoint entry for
	// a session, sorted by step descending.
	GetCheckpointManifest(ctx context.Context, sessionID string) ([]ManifestEntry, error)

	// SavePendingWrites appends writes to the pending-write record for
	// checkpointID, creating it if absent. It never promotes.
	SavePendingWrites(ctx context.Context, sessionID, checkpointID string, writes []PendingWrite) error

	// LoadPendingWrites returns the PendingWrites record for
	// checkpointID, used on resume to skip already-completed calls.
	LoadPendingWrites(ctx context.Context, sessionID, checkpointID string) (PendingWrites, error)

	// PromoteCheckpoint clears pending writes for checkpointID once an
	// iteration completes successfully and its results are folded into
	// a new checkpoint.
	PromoteCheckpoint(ctx context.Context, sessionID, checkpointID string) error

	// PruneCheckpoints keeps only the keepLatest most recent checkpoints
	// for a session, deleting the rest.
	PruneCheckpoints(ctx context.Context, sessionID string, keepLatest int) error

	// DeleteOlderThan deletes checkpoints (across all sessions) created
	// before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) error

	// DeleteInactiveSessions deletes sessions whose LastActivity is
	// older than threshold. In dryRun mode it reports the ids it would
	// delete without deleting them.
	DeleteInactiveSessions(ctx context.Context, threshold time.Duration, dryRun bool) ([]string, error)

	// DeleteCheckpoints removes specific checkpoints by id.
	DeleteCheckpoints(ctx context.Context, sessionID string, ids []string) error

	// GetPendingCheckpoints lists checkpoints that represent unfinished
	// turns (Phase == PhaseToolApproval or an error phase), across every
	// known session, for operator-facing recovery tooling.
	GetPendingCheckpoints(ctx context.Context) ([]ExecutionCheckpoint, error)

	// GetStats summarizes in-flight checkpoint state across sessions.
	GetStats(ctx context.Context) (Stats, error)
}
