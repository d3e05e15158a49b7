// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/segmentio/encoding/json"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		kind Kind
	}{
		{"request", Message{Type: "ADD", ID: "abc", Payload: []byte(`{"x":3,"y":5}`)}, KindRequest},
		{"ok", Message{Type: "OK", ID: "abc", Payload: []byte(`8`)}, KindOK},
		{"err", Message{Type: "ERR", ID: "abc", Error: []byte(`{"message":"boom"}`)}, KindErr},
		{"push", Message{Type: "PUSH", Event: "foo", Payload: []byte(`{"n":1}`)}, KindPush},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if diff := cmp.Diff(tt.msg, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
			if got.Kind() != tt.kind {
				t.Errorf("Kind() = %v, want %v", got.Kind(), tt.kind)
			}
		})
	}
}

func TestDecode_PreservesUnknownFields(t *testing.T) {
	got, err := Decode([]byte(`{"type":"OK","id":"1","payload":2,"trace":"xyz"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Extra == nil || string(got.Extra["trace"]) != `"xyz"` {
		t.Errorf("Decode() Extra = %v, want trace=xyz preserved", got.Extra)
	}
}

func TestEncode_IgnoresExtra(t *testing.T) {
	m := Message{Type: "OK", ID: "1", Payload: []byte(`2`), Extra: map[string]json.RawMessage{"trace": []byte(`"x"`)}}
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if got, _ := Decode(data); got.Extra != nil {
		t.Errorf("Encode() re-emitted Extra, got %v", got.Extra)
	}
}

func TestDecode_RejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"id":"1"}`)); err == nil {
		t.Fatalf("Decode() expected BadFrameError for missing type")
	} else if _, ok := err.(*BadFrameError); !ok {
		t.Errorf("Decode() error type = %T, want *BadFrameError", err)
	}
}

func TestDecode_RequestTypeIsArbitraryTaskName(t *testing.T) {
	got, err := Decode([]byte(`{"type":"ANYTHING_GOES","id":"1","payload":{}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Kind() != KindRequest || got.TaskType() != "ANYTHING_GOES" {
		t.Errorf("Decode() = %+v, want request of type ANYTHING_GOES", got)
	}
}

func TestDecode_RejectsCaseSmuggledDuplicate(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"OK","Type":"ERR","id":"1"}`)); err == nil {
		t.Fatalf("Decode() expected BadFrameError for case-duplicate keys")
	}
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("Decode() expected BadFrameError for malformed JSON")
	}
}

func TestNewRequestOKErrPush(t *testing.T) {
	req, err := NewRequest("1", "ADD", map[string]int{"x": 3, "y": 5})
	if err != nil || req.Kind() != KindRequest || req.TaskType() != "ADD" {
		t.Fatalf("NewRequest() = %+v, err = %v", req, err)
	}
	ok, err := NewOK("1", 8)
	if err != nil || ok.Kind() != KindOK {
		t.Fatalf("NewOK() = %+v, err = %v", ok, err)
	}
	errMsg, err := NewErr("1", map[string]string{"message": "boom"})
	if err != nil || errMsg.Kind() != KindErr {
		t.Fatalf("NewErr() = %+v, err = %v", errMsg, err)
	}
	push, err := NewPush("foo", nil)
	if err != nil || push.Kind() != KindPush || push.Event != "foo" {
		t.Fatalf("NewPush() = %+v, err = %v", push, err)
	}
}
