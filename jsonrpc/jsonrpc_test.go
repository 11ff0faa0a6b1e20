// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		want     Message
		wantCode int64 // zero means success
	}{
		{
			name: "request",
			in:   `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			want: &Request{ID: Int64ID(1), Method: "ping"},
		},
		{
			name: "request with string id",
			in:   `{"jsonrpc":"2.0","id":"a","method":"tools/list","params":{}}`,
			want: &Request{ID: StringID("a"), Method: "tools/list", Params: json.RawMessage(`{}`)},
		},
		{
			name: "notification",
			in:   `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			want: &Request{Method: "notifications/initialized"},
		},
		{
			name: "response with result",
			in:   `{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`,
			want: &Response{ID: Int64ID(3), Result: json.RawMessage(`{"ok":true}`)},
		},
		{
			name: "response with null result",
			in:   `{"jsonrpc":"2.0","id":3,"result":null}`,
			want: &Response{ID: Int64ID(3), Result: json.RawMessage(`null`)},
		},
		{
			name: "response with error",
			in:   `{"jsonrpc":"2.0","id":4,"error":{"code":-32601,"message":"nope"}}`,
			want: &Response{ID: Int64ID(4), Error: &Error{Code: CodeMethodNotFound, Message: "nope"}},
		},
		{
			name:     "malformed json",
			in:       `{"jsonrpc":`,
			wantCode: CodeParseError,
		},
		{
			name:     "missing version",
			in:       `{"id":1,"method":"ping"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "fractional id",
			in:       `{"jsonrpc":"2.0","id":1.5,"method":"ping"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "no method no id",
			in:       `{"jsonrpc":"2.0"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "response without result or error",
			in:       `{"jsonrpc":"2.0","id":9}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "response with result and error",
			in:       `{"jsonrpc":"2.0","id":9,"result":1,"error":{"code":1,"message":"x"}}`,
			wantCode: CodeInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage([]byte(tt.in))
			if tt.wantCode != 0 {
				if err == nil {
					t.Fatalf("DecodeMessage succeeded, want error code %d", tt.wantCode)
				}
				if code := ErrorCode(err); code != tt.wantCode {
					t.Fatalf("error code = %d, want %d", code, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(ID{}), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("DecodeMessage mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msgs := []Message{
		&Request{ID: Int64ID(7), Method: "tools/call", Params: json.RawMessage(`{"name":"echo"}`)},
		&Request{Method: "notifications/progress", Params: json.RawMessage(`{"progress":1}`)},
		&Response{ID: StringID("r1"), Result: json.RawMessage(`{}`)},
		&Response{ID: Int64ID(2), Error: &Error{Code: CodeInvalidParams, Message: "bad"}},
	}
	for _, msg := range msgs {
		data, err := EncodeMessage(msg)
		if err != nil {
			t.Fatalf("EncodeMessage: %v", err)
		}
		got, err := DecodeMessage(data)
		if err != nil {
			t.Fatalf("DecodeMessage(%s): %v", data, err)
		}
		if diff := cmp.Diff(msg, got, cmp.AllowUnexported(ID{}), cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestEncodeNotificationOmitsID(t *testing.T) {
	data, err := EncodeMessage(&Request{Method: "notifications/initialized"})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["id"]; ok {
		t.Errorf("notification encoding carries an id: %s", data)
	}
}

func TestStrictUnmarshal(t *testing.T) {
	type result struct {
		Model string `json:"model"`
	}
	var r result
	if err := StrictUnmarshal([]byte(`{"model":"m1"}`), &r); err != nil {
		t.Fatalf("StrictUnmarshal: %v", err)
	}
	if r.Model != "m1" {
		t.Errorf("Model = %q, want m1", r.Model)
	}
	if err := StrictUnmarshal([]byte(`{"model":"m1","surprise":1}`), &r); err == nil {
		t.Error("StrictUnmarshal accepted unknown field")
	}
	if err := StrictUnmarshal([]byte(`{"model":"m1","Model":"m2"}`), &r); err == nil {
		t.Error("StrictUnmarshal accepted case-variant duplicate keys")
	}
}

func TestIDString(t *testing.T) {
	if got := Int64ID(5).String(); got != "#5" {
		t.Errorf("Int64ID(5).String() = %q", got)
	}
	if got := StringID("x").String(); got != `"x"` {
		t.Errorf(`StringID("x").String() = %q`, got)
	}
	if (ID{}).IsValid() {
		t.Error("zero ID reports valid")
	}
}
