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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/kadirpekel/agentcore/pkg/message"
)

// Summarizer produces a summary message for the first N messages of a
// conversation. The embedding application supplies a model-backed
// implementation; the core only owns the caching/invalidation policy.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []message.Message) (message.Message, error)
}

// cachedSummary is the History Reduction middleware's persistent state
// shape: a summary of the first SnapshotCount messages, tagged with a
// hash of that prefix so structural edits (not just growth) invalidate
// the cache.
type cachedSummary struct {
	Summary       message.Message `json:"summary"`
	SnapshotCount int             `json:"snapshot_count"`
	PrefixHash    string          `json:"prefix_hash"`
}

// HistoryReduction maintains a cached summary of the first N messages
// of a conversation and splices it into a reduced message sequence
// `[system?, summary, tail...]` once the conversation exceeds
// Threshold messages. The cache is valid
// only when BOTH current_count >= snapshot_count (nothing shrank) AND
// new_since_snapshot <= Threshold (growth since the snapshot is still
// small) AND the stored hash matches a fresh hash of the summarized
// prefix; any single failure forces resummarization.
type HistoryReduction struct {
	Base

	Threshold  int
	Summarizer Summarizer
}

// NewHistoryReduction constructs a HistoryReduction middleware.
// threshold is both the trigger ("reduce once history exceeds this
// many messages") and the revalidation window ("resummarize once more
// than this many new messages have accumulated since the last
// summary").
func NewHistoryReduction(threshold int, summarizer Summarizer) *HistoryReduction {
	if threshold <= 0 {
		threshold = 20
	}
	return &HistoryReduction{Threshold: threshold, Summarizer: summarizer}
}

func (h *HistoryReduction) Name() string     { return "history_reduction" }
func (h *HistoryReduction) StateKey() string { return "history_reduction" }

func hashPrefix(msgs []message.Message) string {
	hasher := sha256.New()
	for _, m := range msgs {
		fmt.Fprintf(hasher, "%s|", m.Role)
		for _, c := range m.Contents {
			fmt.Fprintf(hasher, "%s:%s;", c.Kind(), c.Text)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// Reduce returns the message sequence the Agentic Loop should send to
// the model for this iteration: either msgs unchanged (below
// Threshold), or `[system?, summary, tail...]` with a valid cached or
// freshly computed summary.
func (h *HistoryReduction) Reduce(ctx context.Context, state *StateStore, msgs []message.Message) ([]message.Message, error) {
	if len(msgs) <= h.Threshold {
		return msgs, nil
	}

	var sys *message.Message
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role == message.RoleSystem {
		s := msgs[0]
		sys = &s
		rest = msgs[1:]
	}

	// The summarized prefix grows with the conversation: everything but
	// a fixed recent tail is summarization territory.
	keepTail := h.Threshold - 1
	if keepTail < 1 {
		keepTail = 1
	}
	splitAt := len(rest) - keepTail
	if splitAt < 1 {
		return msgs, nil
	}
	prefix := rest[:splitAt]

	raw := state.Persistent(h.StateKey())
	if cached, ok := raw.(cachedSummary); ok && h.cacheValid(cached, splitAt, prefix) {
		// The cached summary covers only rest[:SnapshotCount]; everything
		// after it stays verbatim until the next resummarization.
		return h.assemble(sys, cached.Summary, rest[cached.SnapshotCount:]), nil
	}

	summary, err := h.Summarizer.Summarize(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("history_reduction: summarize: %w", err)
	}
	fresh := cachedSummary{Summary: summary, SnapshotCount: splitAt, PrefixHash: hashPrefix(prefix)}
	state.UpdatePersistent(h.StateKey(), h.StateVersion(), func(any) any { return fresh })

	return h.assemble(sys, summary, rest[splitAt:]), nil
}

// cacheValid requires both the count check and the hash check to hold;
// any single failure forces full resummarization.
func (h *HistoryReduction) cacheValid(cached cachedSummary, currentPrefixCount int, prefix []message.Message) bool {
	if cached.SnapshotCount <= 0 || currentPrefixCount < cached.SnapshotCount {
		return false // history shrank structurally; never valid
	}
	if currentPrefixCount-cached.SnapshotCount > h.Threshold {
		return false // too much new growth since the snapshot
	}
	if cached.SnapshotCount > len(prefix) {
		return false
	}
	return hashPrefix(prefix[:cached.SnapshotCount]) == cached.PrefixHash
}

func (h *HistoryReduction) assemble(sys *message.Message, summary message.Message, tail []message.Message) []message.Message {
	out := make([]message.Message, 0, len(tail)+2)
	if sys != nil {
		out = append(out, *sys)
	}
	out = append(out, summary)
	out = append(out, tail...)
	return out
}

var _ Middleware = (*HistoryReduction)(nil)
