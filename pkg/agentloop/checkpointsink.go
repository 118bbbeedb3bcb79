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
	"context"

	"github.com/kadirpekel/agentcore/pkg/session"
)

// checkpointSink adapts a session.Store into the scheduler's
// PendingWriteSink, recording each completed tool call against the
// iteration's checkpoint id as it finishes.
type checkpointSink struct {
	store        session.Store
	sessionID    string
	checkpointID string
}

func newCheckpointSink(store session.Store, sessionID, checkpointID string) *checkpointSink {
	return &checkpointSink{store: store, sessionID: sessionID, checkpointID: checkpointID}
}

func (s *checkpointSink) SavePendingWrite(ctx context.Context, callID string, value any) error {
	return s.store.SavePendingWrites(ctx, s.sessionID, s.checkpointID, []session.PendingWrite{{CallID: callID, Value: value}})
}
