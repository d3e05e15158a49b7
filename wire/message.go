// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package wire defines the tagged-union wire message for taskmesh and the
// codec that encodes/decodes it.
package wire

import "github.com/segmentio/encoding/json"

// Kind distinguishes the four message shapes. Unlike Type, Kind is never
// serialized directly: it is derived from the wire "type" field, which
// doubles as both the kind discriminant (for OK/ERR/PUSH) and the
// task-type name (for everything else, i.e. a request).
type Kind int

const (
	KindRequest Kind = iota
	KindOK
	KindErr
	KindPush
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindOK:
		return "OK"
	case KindErr:
		return "ERR"
	case KindPush:
		return "PUSH"
	default:
		return "UNKNOWN"
	}
}

const (
	// typeOK, typeErr, typePush are the reserved values of the wire "type"
	// field that mark a message as something other than a request. Any
	// other value of "type" names a task type and makes the message a
	// request.
	typeOK   = "OK"
	typeErr  = "ERR"
	typePush = "PUSH"

	// PingType is the reserved task type that invokes the server's
	// healthcheck.
	PingType = "$PING"
)

// Message is the wire shape shared by all four kinds. Only the fields
// relevant to Kind() are populated; the others are the JSON zero value.
//
//   - request: Type (the task name), ID, Payload
//   - OK:      Type == "OK", ID, Payload
//   - ERR:     Type == "ERR", ID, Error
//   - PUSH:    Type == "PUSH", Event, Payload (no ID)
//
// Extra holds any fields present on the wire that don't map onto the
// struct above. Decode preserves them; Encode ignores them, so a message
// built fresh and encoded never carries stale passenger fields forward.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Kind reports which of the four message shapes m is.
func (m Message) Kind() Kind {
	switch m.Type {
	case typeOK:
		return KindOK
	case typeErr:
		return KindErr
	case typePush:
		return KindPush
	default:
		return KindRequest
	}
}

// TaskType returns the task-type name of a request message (m.Type, for
// any message whose Kind is KindRequest).
func (m Message) TaskType() string { return m.Type }

// NewRequest builds a request message of the given task type carrying
// payload.
func NewRequest(id, taskType string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: taskType, ID: id, Payload: data}, nil
}

// NewOK builds an OK reply carrying value as its payload.
func NewOK(id string, value any) (Message, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typeOK, ID: id, Payload: data}, nil
}

// NewErr builds an ERR reply carrying errValue as its error payload.
func NewErr(id string, errValue any) (Message, error) {
	data, err := json.Marshal(errValue)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typeErr, ID: id, Error: data}, nil
}

// NewPush builds a PUSH message.
func NewPush(event string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typePush, Event: event, Payload: data}, nil
}
