// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"strings"

	"github.com/segmentio/encoding/json"

	"github.com/taskmesh/taskmesh/internal/strict"
)

// BadFrameError is returned by Decode when data cannot be parsed as a
// taskmesh wire message. Per spec, the transport that received a
// BadFrameError treats it as a protocol error and closes the connection.
type BadFrameError struct {
	Err error
}

func (e *BadFrameError) Error() string { return fmt.Sprintf("bad frame: %v", e.Err) }
func (e *BadFrameError) Unwrap() error { return e.Err }

// Encode serializes m to its wire representation. Fields outside the
// known set (m.Extra) are never emitted.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("wire: encode: message has no type")
	}
	type wireMessage struct {
		Type    string          `json:"type"`
		ID      string          `json:"id,omitempty"`
		Event   string          `json:"event,omitempty"`
		Payload json.RawMessage `json:"payload,omitempty"`
		Error   json.RawMessage `json:"error,omitempty"`
	}
	return json.Marshal(wireMessage{
		Type:    m.Type,
		ID:      m.ID,
		Event:   m.Event,
		Payload: m.Payload,
		Error:   m.Error,
	})
}

// Decode parses data into a Message. Fields present on the wire that are
// not part of the known set are preserved in Message.Extra rather than
// discarded. A data blob that is not a JSON object, that has no "type",
// or that has a key differing only in case from a known field name fails
// decode with a *BadFrameError.
func Decode(data []byte) (Message, error) {
	if err := strict.CheckDuplicateKeys(data); err != nil {
		return Message{}, &BadFrameError{Err: err}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, &BadFrameError{Err: err}
	}

	m := Message{}
	extra := make(map[string]json.RawMessage)
	var sawType bool

	for key, val := range raw {
		switch key {
		case "type":
			if err := json.Unmarshal(val, &m.Type); err != nil {
				return Message{}, &BadFrameError{Err: fmt.Errorf("type: %w", err)}
			}
			sawType = true
		case "id":
			if err := json.Unmarshal(val, &m.ID); err != nil {
				return Message{}, &BadFrameError{Err: fmt.Errorf("id: %w", err)}
			}
		case "event":
			if err := json.Unmarshal(val, &m.Event); err != nil {
				return Message{}, &BadFrameError{Err: fmt.Errorf("event: %w", err)}
			}
		case "payload":
			m.Payload = append(json.RawMessage(nil), val...)
		case "error":
			m.Error = append(json.RawMessage(nil), val...)
		default:
			switch strings.ToLower(key) {
			case "type", "id", "event", "payload", "error":
				return Message{}, &BadFrameError{Err: fmt.Errorf("field name case mismatch: got %q", key)}
			}
			extra[key] = val
		}
	}

	if !sawType {
		return Message{}, &BadFrameError{Err: fmt.Errorf("missing required field %q", "type")}
	}
	if m.Type == "" {
		return Message{}, &BadFrameError{Err: fmt.Errorf("field %q must be non-empty", "type")}
	}

	if len(extra) > 0 {
		m.Extra = extra
	}
	return m, nil
}
