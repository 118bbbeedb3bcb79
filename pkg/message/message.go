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

// Package message defines the conversation data model shared by the
// Agentic Loop, the Middleware Pipeline and the Session Store.
//
// A Message is a role-tagged ordered sequence of content parts. Content
// parts are a closed, tagged-variant set (Text, Reasoning, FunctionCall,
// FunctionResult, Image, Binary, Json) rather than a class hierarchy -
// callers switch on Content.Kind() instead of type-asserting a base
// interface.
package message

import (
	"encoding/json"
	"fmt"
)

// Role identifies who produced a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Kind identifies the concrete shape of a Content part.
type Kind string

const (
	KindText           Kind = "text"
	KindReasoning      Kind = "reasoning"
	KindFunctionCall   Kind = "function_call"
	KindFunctionResult Kind = "function_result"
	KindImage          Kind = "image"
	KindBinary         Kind = "binary"
	KindJSON           Kind = "json"
)

// Content is one tagged-variant part of a Message. Exactly the fields
// relevant to Kind are populated; the rest are zero. This mirrors the
// closed content-part set in the data model rather than modeling each
// variant as its own type, since callers need to iterate over a
// Message's Contents uniformly (serialize, token-count, redact).
type Content struct {
	kind Kind

	// Text / Reasoning
	Text          string
	ReasoningText string
	OpaqueTrace   []byte // optional provider-private reasoning trace

	// FunctionCall
	CallID string
	Name   string
	Args   map[string]any

	// FunctionResult
	ResultCallID string
	Value        any

	// Image / Binary
	MimeType string
	Bytes    []byte
	URL      string
	AssetID  string

	// Json
	JSON any
}

// Kind returns the tag identifying which fields of Content are populated.
func (c Content) Kind() Kind { return c.kind }

// contentJSON is Content's wire shape: the kind tag is unexported on
// Content to keep construction going through the variant constructors,
// so serialization spells it out explicitly.
type contentJSON struct {
	Kind          Kind           `json:"kind"`
	Text          string         `json:"text,omitempty"`
	ReasoningText string         `json:"reasoning_text,omitempty"`
	OpaqueTrace   []byte         `json:"opaque_trace,omitempty"`
	CallID        string         `json:"call_id,omitempty"`
	Name          string         `json:"name,omitempty"`
	Args          map[string]any `json:"args,omitempty"`
	ResultCallID  string         `json:"result_call_id,omitempty"`
	Value         any            `json:"value,omitempty"`
	MimeType      string         `json:"mime_type,omitempty"`
	Bytes         []byte         `json:"bytes,omitempty"`
	URL           string         `json:"url,omitempty"`
	AssetID       string         `json:"asset_id,omitempty"`
	JSON          any            `json:"json,omitempty"`
}

func (c Content) MarshalJSON() ([]byte, error) {
	return json.Marshal(contentJSON{
		Kind: c.kind, Text: c.Text, ReasoningText: c.ReasoningText, OpaqueTrace: c.OpaqueTrace,
		CallID: c.CallID, Name: c.Name, Args: c.Args,
		ResultCallID: c.ResultCallID, Value: c.Value,
		MimeType: c.MimeType, Bytes: c.Bytes, URL: c.URL, AssetID: c.AssetID,
		JSON: c.JSON,
	})
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var raw contentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Content{
		kind: raw.Kind, Text: raw.Text, ReasoningText: raw.ReasoningText, OpaqueTrace: raw.OpaqueTrace,
		CallID: raw.CallID, Name: raw.Name, Args: raw.Args,
		ResultCallID: raw.ResultCallID, Value: raw.Value,
		MimeType: raw.MimeType, Bytes: raw.Bytes, URL: raw.URL, AssetID: raw.AssetID,
		JSON: raw.JSON,
	}
	return nil
}

// Text content.
func Text(s string) Content { return Content{kind: KindText, Text: s} }

// Reasoning content. trace is an opaque provider trace, persisted only
// when the embedding application configures preserve_reasoning_in_history.
func Reasoning(s string, trace []byte) Content {
	return Content{kind: KindReasoning, ReasoningText: s, OpaqueTrace: trace}
}

// FunctionCall content. callID must be unique within a turn; it is
// referenced by the FunctionResult produced once the call completes.
func FunctionCall(callID, name string, args map[string]any) Content {
	return Content{kind: KindFunctionCall, CallID: callID, Name: name, Args: args}
}

// FunctionResult content, correlated to a FunctionCall by callID.
func FunctionResult(callID string, value any) Content {
	return Content{kind: KindFunctionResult, ResultCallID: callID, Value: value}
}

// Image content. Exactly one of Bytes, URL, or AssetID should be set.
func Image(mime string, bytes []byte, url, assetID string) Content {
	return Content{kind: KindImage, MimeType: mime, Bytes: bytes, URL: url, AssetID: assetID}
}

// Binary content.
func Binary(mime string, bytes []byte) Content {
	return Content{kind: KindBinary, MimeType: mime, Bytes: bytes}
}

// JSON wraps an arbitrary structured value.
func JSON(v any) Content { return Content{kind: KindJSON, JSON: v} }

// Message is one turn-participant's contribution: a role plus an
// ordered sequence of content parts.
type Message struct {
	Role     Role      `json:"role"`
	Contents []Content `json:"contents"`
}

// New creates a Message with the given role and contents.
func New(role Role, contents ...Content) Message {
	return Message{Role: role, Contents: contents}
}

// NewText returns a Message containing a single Text part.
func NewText(role Role, text string) Message {
	return Message{Role: role, Contents: []Content{Text(text)}}
}

// FunctionCalls returns every FunctionCall content part in the message.
func (m Message) FunctionCalls() []Content {
	var out []Content
	for _, c := range m.Contents {
		if c.Kind() == KindFunctionCall {
			out = append(out, c)
		}
	}
	return out
}

// TextLen returns the combined length of all Text parts, used for
// proportional token-usage apportionment (see AssignUsage in the
// agentloop package). This is an approximation, not a token count.
func (m Message) TextLen() int {
	n := 0
	for _, c := range m.Contents {
		if c.Kind() == KindText {
			n += len(c.Text)
		}
	}
	return n
}

// ValidateFunctionResults checks the invariant that every FunctionResult
// content in msgs carries a call_id previously emitted by a FunctionCall
// earlier in the same sequence.
func ValidateFunctionResults(msgs []Message) error {
	seen := make(map[string]bool)
	for _, m := range msgs {
		for _, c := range m.Contents {
			switch c.Kind() {
			case KindFunctionCall:
				seen[c.CallID] = true
			case KindFunctionResult:
				if !seen[c.ResultCallID] {
					return fmt.Errorf("message: function result for unseen call_id %q", c.ResultCallID)
				}
			}
		}
	}
	return nil
}
