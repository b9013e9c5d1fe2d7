// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"testing"
)

func TestParseUserID(t *testing.T) {
	tests := []struct {
		input         string
		wantErr       bool
		wantLocalpart string
		wantServer    string
	}{
		{input: "@alice:example.org", wantLocalpart: "alice", wantServer: "example.org"},
		{input: "@alice:example.org:8448", wantLocalpart: "alice", wantServer: "example.org:8448"},
		{input: "@Mixed.Case=_-/x:example.org", wantLocalpart: "Mixed.Case=_-/x", wantServer: "example.org"},
		{input: "", wantErr: true},
		{input: "alice:example.org", wantErr: true},
		{input: "@alice", wantErr: true},
		{input: "@:example.org", wantErr: true},
		{input: "@alice:", wantErr: true},
		{input: "@alice:bad server", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			userID, err := ParseUserID(test.input)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParseUserID(%q) succeeded, want error", test.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseUserID(%q): %v", test.input, err)
			}
			if got := userID.Localpart(); got != test.wantLocalpart {
				t.Errorf("Localpart() = %q, want %q", got, test.wantLocalpart)
			}
			if got := userID.Server().String(); got != test.wantServer {
				t.Errorf("Server() = %q, want %q", got, test.wantServer)
			}
		})
	}
}

func TestUserIDZeroValue(t *testing.T) {
	var zero UserID
	if !zero.IsZero() {
		t.Error("IsZero() = false for zero value")
	}
	if zero.Localpart() != "" {
		t.Errorf("Localpart() = %q for zero value, want empty", zero.Localpart())
	}
	if !zero.Server().IsZero() {
		t.Error("Server() is non-zero for zero value")
	}
}

func TestUserIDJSON(t *testing.T) {
	type wrapper struct {
		Sender UserID `json:"sender"`
	}

	var decoded wrapper
	if err := json.Unmarshal([]byte(`{"sender":"@bob:example.org"}`), &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Sender != MustParseUserID("@bob:example.org") {
		t.Errorf("Sender = %v", decoded.Sender)
	}

	if err := json.Unmarshal([]byte(`{"sender":""}`), &decoded); err != nil {
		t.Fatalf("Unmarshal empty: %v", err)
	}
	if !decoded.Sender.IsZero() {
		t.Errorf("empty sender decoded to %v, want zero", decoded.Sender)
	}

	if err := json.Unmarshal([]byte(`{"sender":"bob"}`), &decoded); err == nil {
		t.Error("Unmarshal accepted a user ID without sigil")
	}

	encoded, err := json.Marshal(wrapper{Sender: MustParseUserID("@bob:example.org")})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(encoded) != `{"sender":"@bob:example.org"}` {
		t.Errorf("Marshal = %s", encoded)
	}
}

func TestDeviceIDText(t *testing.T) {
	if _, err := ParseDeviceID(""); err == nil {
		t.Error("ParseDeviceID accepted an empty string")
	}
	device, err := ParseDeviceID("ABCDEFGH")
	if err != nil {
		t.Fatalf("ParseDeviceID: %v", err)
	}
	text, _ := device.MarshalText()
	var decoded DeviceID
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if decoded != device {
		t.Errorf("round trip = %v, want %v", decoded, device)
	}
}
