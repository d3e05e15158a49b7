// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package strict

import (
	"strings"
	"testing"
)

type testStruct struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Payload any    `json:"payload,omitempty"`
}

func TestUnmarshal_RejectsDuplicateKeys(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"different case - id and Id", `{"type":"REQUEST","id":"1","Id":"smuggled"}`},
		{"different case - type and TYPE", `{"type":"REQUEST","TYPE":"smuggled"}`},
		{"nested object", `{"type":"REQUEST","id":"1","payload":{"key":"value","Key":"smuggled"}}`},
		{"triple duplicate", `{"type":"REQUEST","Type":"b","TYPE":"c"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var result testStruct
			err := Unmarshal([]byte(tt.json), &result)
			if err == nil {
				t.Fatalf("Unmarshal() expected error, got nil. Result: %+v", result)
			}
			if !strings.Contains(err.Error(), "duplicate key with different case") {
				t.Errorf("Unmarshal() error = %v, want duplicate key error", err)
			}
		})
	}
}

func TestUnmarshal_RejectsWrongCase(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"Type instead of type", `{"Type":"REQUEST","id":"1"}`},
		{"ID instead of id", `{"type":"REQUEST","ID":"1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var result testStruct
			err := Unmarshal([]byte(tt.json), &result)
			if err == nil {
				t.Fatalf("Unmarshal() expected error, got nil. Result: %+v", result)
			}
			if !strings.Contains(err.Error(), "field name case mismatch") {
				t.Errorf("Unmarshal() error = %v, want field case error", err)
			}
		})
	}
}

func TestUnmarshal_RejectsUnknownFields(t *testing.T) {
	var result testStruct
	err := Unmarshal([]byte(`{"type":"REQUEST","id":"1","bogus":true}`), &result)
	if err == nil {
		t.Fatalf("Unmarshal() expected error for unknown field, got nil")
	}
}

func TestUnmarshal_AcceptsValid(t *testing.T) {
	var result testStruct
	err := Unmarshal([]byte(`{"type":"REQUEST","id":"1","payload":{"x":3}}`), &result)
	if err != nil {
		t.Fatalf("Unmarshal() unexpected error: %v", err)
	}
	if result.Type != "REQUEST" || result.ID != "1" {
		t.Errorf("Unmarshal() got %+v", result)
	}
}

func TestUnmarshal_NonObjectPassesThrough(t *testing.T) {
	var s string
	if err := Unmarshal([]byte(`"hello"`), &s); err != nil {
		t.Fatalf("Unmarshal() unexpected error for scalar: %v", err)
	}
	if s != "hello" {
		t.Errorf("Unmarshal() got %q", s)
	}
}
