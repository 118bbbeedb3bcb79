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

// Package event implements the typed, ordered Event Bus: the fan-out
// mechanism the Agentic Loop, Middleware Pipeline and Graph
// Orchestrator use to report progress to observers, and the
// bidirectional suspension primitive (wait_for_response/send_response)
// that human-in-the-loop middleware suspends a turn on.
//
// Delivery is push-style channel fan-out so a single turn can have
// many independent observers (a UI renderer, a test harness, a parent
// workflow bus) without them racing to pull from a shared iterator.
package event

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of event variants the core emits.
type Type string

const (
	TypeMessageTurnStarted  Type = "message_turn_started"
	TypeMessageTurnFinished Type = "message_turn_finished"
	TypeMessageTurnError    Type = "message_turn_error"
	TypeIterationStart      Type = "iteration_start"
	TypeAgentDecision       Type = "agent_decision"
	TypeTextDelta           Type = "text_delta"
	TypeReasoningStart      Type = "reasoning_message_start"
	TypeReasoningDelta      Type = "reasoning_message_delta"
	TypeReasoningEnd        Type = "reasoning_message_end"
	TypeToolCallStart       Type = "tool_call_start"
	TypeToolCallArgs        Type = "tool_call_args"
	TypeToolCallResult      Type = "tool_call_result"
	TypeToolCallEnd         Type = "tool_call_end"
	TypeStepStarted         Type = "step_started"
	TypePermissionRequest   Type = "permission_request"
	TypePermissionApproved  Type = "permission_approved"
	TypePermissionDenied    Type = "permission_denied"
	TypeContinuationRequest Type = "continuation_request"
	TypeContinuationResp    Type = "continuation_response"
	TypeCircuitBreaker      Type = "circuit_breaker_triggered"
	TypePermissionCheck     Type = "permission_check"
	TypeAgentCompletion     Type = "agent_completion"

	// Workflow / graph-orchestrator layer events.
	TypeWorkflowStarted       Type = "workflow_started"
	TypeWorkflowCompleted     Type = "workflow_completed"
	TypeWorkflowLayerStarted  Type = "workflow_layer_started"
	TypeWorkflowLayerComplete Type = "workflow_layer_completed"
	TypeWorkflowNodeStarted   Type = "workflow_node_started"
	TypeWorkflowNodeComplete  Type = "workflow_node_completed"
	TypeWorkflowNodeSkipped   Type = "workflow_node_skipped"
	TypeWorkflowEdgeTraversed Type = "workflow_edge_traversed"
	TypeWorkflowDiagnostic    Type = "workflow_diagnostic"
)

// Event is the single envelope for every variant in Type. Only the
// fields relevant to Type are populated; Payload carries variant-
// specific data (e.g. the partial text for a TextDelta, the denial
// reason for a PermissionDenied).
type Event struct {
	Type          Type      `json:"type"`
	SessionID     string    `json:"session_id,omitempty"`
	TurnID        string    `json:"turn_id,omitempty"`
	CallID        string    `json:"call_id,omitempty"`
	NodeID        string    `json:"node_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       any       `json:"payload,omitempty"`
}

// New constructs an Event stamped with the current time.
func New(typ Type, payload any) Event {
	return Event{Type: typ, Timestamp: time.Now(), Payload: payload}
}

// WithCorrelation sets a fresh or existing correlation id, used to pair
// a suspension request (e.g. PermissionRequest) with its response.
func (e Event) WithCorrelation(id string) Event {
	e.CorrelationID = id
	return e
}

// NewCorrelationID mints a correlation id for a suspension request.
func NewCorrelationID() string { return uuid.NewString() }

var (
	// ErrTimedOut is returned by WaitForResponse when the deadline elapses
	// before a matching response arrives.
	ErrTimedOut = errors.New("event: wait for response timed out")
	// ErrCanceled is returned by WaitForResponse when ctx is canceled.
	ErrCanceled = errors.New("event: wait for response canceled")
	// ErrClosed is returned by operations on a Bus after Close.
	ErrClosed = errors.New("event: bus closed")
)

// subscription is one observer's view of the bus: an unbounded FIFO
// drained into out by a pump goroutine, so a slow consumer never
// blocks the producer and never loses ordering.
type subscription struct {
	mu      sync.Mutex
	queue   []Event
	closing bool // bus closed: drain the queue, then close out

	notify chan struct{} // 1-buffered wakeup for the pump
	out    chan Event
	done   chan struct{} // unsubscribe: stop immediately
	once   sync.Once
}

func newSubscription() *subscription {
	s := &subscription{
		notify: make(chan struct{}, 1),
		out:    make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscription) push(evt Event) {
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	s.wake()
}

// stop ends the subscription after the queue drains.
func (s *subscription) stop() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wake()
}

// abort ends the subscription immediately, discarding queued events.
func (s *subscription) abort() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-s.notify:
			case <-s.done:
				return
			}
			continue
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- evt:
		case <-s.done:
			return
		}
	}
}

// waiter is a pending wait_for_response call.
type waiter struct {
	types  []Type
	corrID string
	result chan Event
}

func (w *waiter) matches(evt Event) bool {
	if w.corrID != "" && w.corrID != evt.CorrelationID {
		return false
	}
	for _, t := range w.types {
		if t == evt.Type {
			return true
		}
	}
	return false
}

// Bus is a single producer's ordered event stream with optional
// parent bubbling: every event emitted on a child bus is also
// delivered to the parent's subscribers, never the reverse. This lets
// a Graph Orchestrator observe every sub-agent's events through one
// subscription on the root bus.
type Bus struct {
	parent *Bus

	mu       sync.Mutex
	subs     map[int]*subscription
	nextSub  int
	waiters  []*waiter
	closed   bool
	closedCh chan struct{}
}

// NewBus constructs a root Bus with no parent.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription), closedCh: make(chan struct{})}
}

// NewChild constructs a Bus whose events bubble up to parent in
// addition to being delivered to the child's own subscribers. Passing
// a nil parent is equivalent to NewBus.
func (b *Bus) NewChild() *Bus {
	return &Bus{parent: b, subs: make(map[int]*subscription), closedCh: make(chan struct{})}
}

// Subscribe registers an observer and returns a channel of events plus
// an unsubscribe function. The channel is backed by an unbounded,
// goroutine-fed queue so a slow consumer never blocks the producer.
// Callers needing backpressure wrap the returned channel themselves.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	sub := newSubscription()
	b.subs[id] = sub

	unsub := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			b.mu.Unlock()
			s.abort()
			return
		}
		b.mu.Unlock()
	}
	return sub.out, unsub
}

// Emit delivers evt to every subscriber of this bus, bubbles it to the
// parent (if any), and resolves any matching pending WaitForResponse
// call. Emit never blocks: each subscription queues without bound,
// preserving per-subscriber ordering.
func (b *Bus) Emit(evt Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	for _, s := range b.subs {
		s.push(evt)
	}

	var matched []*waiter
	remaining := b.waiters[:0]
	for _, w := range b.waiters {
		if w.matches(evt) {
			matched = append(matched, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	b.waiters = remaining
	b.mu.Unlock()

	for _, w := range matched {
		w.result <- evt
	}

	if b.parent != nil {
		b.parent.Emit(evt)
	}
}

// WaitForResponse blocks until an event of typ whose CorrelationID
// equals corrID is emitted on this bus, ctx is canceled, or the
// deadline in ctx elapses. It is the bus-level primitive backing the
// Middleware Pipeline's suspension protocol (permission prompts,
// continuation requests).
func (b *Bus) WaitForResponse(ctx context.Context, typ Type, corrID string) (Event, error) {
	return b.WaitForAny(ctx, corrID, typ)
}

// WaitForAny is WaitForResponse over a set of response types: it
// resolves on the first event whose CorrelationID equals corrID and
// whose Type is any of types. A request whose answer can arrive as
// either of two event types (an approval or a denial) waits once here
// instead of racing two separate waits.
func (b *Bus) WaitForAny(ctx context.Context, corrID string, types ...Type) (Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{}, ErrClosed
	}
	w := &waiter{types: types, corrID: corrID, result: make(chan Event, 1)}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	select {
	case evt := <-w.result:
		return evt, nil
	case <-b.closedCh:
		b.removeWaiter(w)
		return Event{}, ErrClosed
	case <-ctx.Done():
		b.removeWaiter(w)
		if errors.Is(ctx.Err(), context.Canceled) {
			return Event{}, ErrCanceled
		}
		return Event{}, ErrTimedOut
	}
}

func (b *Bus) removeWaiter(target *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.waiters[:0]
	for _, w := range b.waiters {
		if w != target {
			out = append(out, w)
		}
	}
	b.waiters = out
}

// SendResponse is the counterpart to WaitForResponse: it emits evt,
// which resolves any matching pending wait. It is symmetric with Emit
// (a response is "just another event") but named separately at call
// sites to document intent.
func (b *Bus) SendResponse(evt Event) {
	b.Emit(evt)
}

// Close releases all subscribers once their queues drain. Further Emit
// calls are no-ops and pending or further WaitForResponse calls return
// ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscription)
	b.waiters = nil
	close(b.closedCh)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}
