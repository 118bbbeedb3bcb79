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

import "github.com/kadirpekel/agentcore/pkg/message"

// Usage is the token accounting reported by the turn's last model
// call, apportioned across the messages it produced.
type Usage struct {
	InputTokens  int
	OutputTokens int

	// PerMessage apportions OutputTokens across assistant message
	// indices (into the session's Messages slice) proportionally to
	// each message's text length; a single assistant message receives
	// the full amount.
	PerMessage map[int]int
}

// AssignUsage apportions inputTokens to lastUserIndex and outputTokens
// across assistantIndices proportionally to each indexed message's
// TextLen; a single assistant message receives the full amount.
func AssignUsage(messages []message.Message, lastUserIndex int, assistantIndices []int, inputTokens, outputTokens int) Usage {
	u := Usage{InputTokens: inputTokens, OutputTokens: outputTokens, PerMessage: make(map[int]int)}
	if lastUserIndex >= 0 && lastUserIndex < len(messages) {
		u.PerMessage[lastUserIndex] = inputTokens
	}

	if len(assistantIndices) == 0 {
		return u
	}
	if len(assistantIndices) == 1 {
		u.PerMessage[assistantIndices[0]] += outputTokens
		return u
	}

	total := 0
	lens := make([]int, len(assistantIndices))
	for i, idx := range assistantIndices {
		if idx < 0 || idx >= len(messages) {
			continue
		}
		lens[i] = messages[idx].TextLen()
		total += lens[i]
	}
	if total == 0 {
		// No text to apportion by; give it all to the last one.
		last := assistantIndices[len(assistantIndices)-1]
		u.PerMessage[last] += outputTokens
		return u
	}

	assigned := 0
	for i, idx := range assistantIndices[:len(assistantIndices)-1] {
		share := outputTokens * lens[i] / total
		u.PerMessage[idx] += share
		assigned += share
	}
	u.PerMessage[assistantIndices[len(assistantIndices)-1]] += outputTokens - assigned
	return u
}
