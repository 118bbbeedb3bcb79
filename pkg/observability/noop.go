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

package observability

import (
	"context"
	"time"
)

// NoopRecorder is the Recorder used when observability is disabled.
type NoopRecorder struct{}

func (NoopRecorder) RecordTurn(context.Context, time.Duration, int, error)           {}
func (NoopRecorder) IncActiveTurns()                                                 {}
func (NoopRecorder) DecActiveTurns()                                                 {}
func (NoopRecorder) RecordModelCall(context.Context, time.Duration, int, int, error) {}
func (NoopRecorder) RecordToolCall(context.Context, string, time.Duration, error)    {}
func (NoopRecorder) RecordNodeExecution(context.Context, string, string, time.Duration) {
}
func (NoopRecorder) RecordCheckpointSave(context.Context, string, time.Duration) {}
func (NoopRecorder) RecordCircuitBreakerTrip(context.Context, string)            {}

var _ Recorder = NoopRecorder{}
