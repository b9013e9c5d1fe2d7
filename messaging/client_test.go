// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/lib/secret"
)

// testBuffer creates a secret.Buffer from a string for testing. The buffer
// is automatically closed when the test completes.
func testBuffer(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromString(value)
	if err != nil {
		t.Fatalf("creating test buffer: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{HomeserverURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("valid URL", func(t *testing.T) {
		client, err := NewClient(ClientConfig{HomeserverURL: "https://matrix.example.org/"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.HomeserverURL() != "https://matrix.example.org" {
			t.Errorf("HomeserverURL = %q, want trailing slash stripped", client.HomeserverURL())
		}
	})

	t.Run("empty URL", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{}); err == nil {
			t.Fatal("expected error for empty URL")
		}
	})

	t.Run("invalid URL", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{HomeserverURL: "://invalid"}); err == nil {
			t.Fatal("expected error for invalid URL")
		}
	})
}

func TestLogin(t *testing.T) {
	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/login" || request.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		var body LoginRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("decoding login body: %v", err)
		}
		if body.Identifier == nil || body.Identifier.User != "alice" || body.Password != "hunter2" {
			t.Errorf("login body = %+v", body)
		}
		if body.DeviceID != "KEEPME" {
			t.Errorf("device_id = %q, want KEEPME", body.DeviceID)
		}
		json.NewEncoder(writer).Encode(map[string]string{
			"user_id":      "@alice:example.org",
			"access_token": "syt_token",
			"device_id":    "KEEPME",
		})
	})

	deviceID, _ := ref.ParseDeviceID("KEEPME")
	session, err := client.Login(context.Background(), "alice", testBuffer(t, "hunter2"), deviceID)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	defer session.Close()

	if session.UserID().String() != "@alice:example.org" {
		t.Errorf("UserID = %s", session.UserID())
	}
	if session.DeviceID().String() != "KEEPME" {
		t.Errorf("DeviceID = %s", session.DeviceID())
	}
	if session.AccessToken().String() != "syt_token" {
		t.Errorf("AccessToken = %q", session.AccessToken().String())
	}
	credentials := session.Credentials()
	if err := credentials.Validate(); err != nil {
		t.Errorf("Credentials.Validate: %v", err)
	}
}

func TestLoginRejectsMissingFields(t *testing.T) {
	client, err := NewClient(ClientConfig{HomeserverURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.Login(context.Background(), "", testBuffer(t, "x"), ref.DeviceID{}); err == nil {
		t.Error("Login accepted an empty username")
	}
	if _, err := client.Login(context.Background(), "alice", nil, ref.DeviceID{}); err == nil {
		t.Error("Login accepted a nil password")
	}
}

func TestSessionFromCredentials(t *testing.T) {
	var gotAuthorization string
	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		gotAuthorization = request.Header.Get("Authorization")
		json.NewEncoder(writer).Encode(map[string]string{"user_id": "@alice:example.org"})
	})

	deviceID, _ := ref.ParseDeviceID("DEVICE")
	token := testBuffer(t, "stored-token")
	session, err := client.Session(Credentials{
		UserID:      ref.MustParseUserID("@alice:example.org"),
		DeviceID:    deviceID,
		AccessToken: token,
	})
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	defer session.Close()

	// The session owns a copy; the caller's buffer stays intact.
	if token.String() != "stored-token" {
		t.Errorf("caller token modified: %q", token.String())
	}

	userID, err := session.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI: %v", err)
	}
	if userID.String() != "@alice:example.org" {
		t.Errorf("WhoAmI = %s", userID)
	}
	if gotAuthorization != "Bearer stored-token" {
		t.Errorf("Authorization = %q", gotAuthorization)
	}

	if _, err := client.Session(Credentials{UserID: ref.MustParseUserID("@alice:example.org")}); err == nil {
		t.Error("Session accepted credentials without device or token")
	}
}

func TestMatrixErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		code       string
		auth       bool
		serverSide bool
	}{
		{"unknown token", http.StatusUnauthorized, `{"errcode":"M_UNKNOWN_TOKEN","error":"expired"}`, ErrCodeUnknownToken, true, false},
		{"rate limited", http.StatusTooManyRequests, `{"errcode":"M_LIMIT_EXCEEDED","error":"slow","retry_after_ms":2000}`, ErrCodeLimitExceeded, false, true},
		{"gateway", http.StatusBadGateway, `{"errcode":"M_UNKNOWN","error":"upstream"}`, ErrCodeUnknown, false, true},
		{"not found", http.StatusNotFound, `{"errcode":"M_NOT_FOUND","error":"no rule"}`, ErrCodeNotFound, false, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
				writer.WriteHeader(test.status)
				writer.Write([]byte(test.body))
			})
			session, err := client.Session(Credentials{
				UserID:      ref.MustParseUserID("@alice:example.org"),
				DeviceID:    mustDevice(t, "D"),
				AccessToken: testBuffer(t, "token"),
			})
			if err != nil {
				t.Fatalf("Session: %v", err)
			}
			defer session.Close()

			_, err = session.WhoAmI(context.Background())
			var matrixErr *MatrixError
			if !errors.As(err, &matrixErr) {
				t.Fatalf("error %v is not a *MatrixError", err)
			}
			if matrixErr.StatusCode != test.status || !IsMatrixError(err, test.code) {
				t.Errorf("got %+v, want status %d code %s", matrixErr, test.status, test.code)
			}
			if IsAuthError(err) != test.auth {
				t.Errorf("IsAuthError = %v, want %v", IsAuthError(err), test.auth)
			}
			if IsServerError(err) != test.serverSide {
				t.Errorf("IsServerError = %v, want %v", IsServerError(err), test.serverSide)
			}
		})
	}
}

func TestNonJSONErrorBody(t *testing.T) {
	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
		writer.Write([]byte("<html>bad gateway</html>"))
	})
	session, err := client.Session(Credentials{
		UserID:      ref.MustParseUserID("@alice:example.org"),
		DeviceID:    mustDevice(t, "D"),
		AccessToken: testBuffer(t, "token"),
	})
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	defer session.Close()

	_, err = session.WhoAmI(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		t.Errorf("non-JSON body produced a MatrixError: %v", matrixErr)
	}
}

func mustDevice(t *testing.T, raw string) ref.DeviceID {
	t.Helper()
	deviceID, err := ref.ParseDeviceID(raw)
	if err != nil {
		t.Fatalf("ParseDeviceID(%q): %v", raw, err)
	}
	return deviceID
}
