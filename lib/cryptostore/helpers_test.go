// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/syncengine/lib/ref"
)

var (
	testUser   = ref.MustParseUserID("@alice:example.org")
	otherUser  = ref.MustParseUserID("@bob:example.org")
	testRoom   = ref.MustParseRoomID("!crypto:example.org")
	testDevice = mustDevice("ALICEDEVICE")
)

func mustDevice(raw string) ref.DeviceID {
	deviceID, err := ref.ParseDeviceID(raw)
	if err != nil {
		panic(err)
	}
	return deviceID
}

// fakeHandle pickles to "<kind>:<id>" and counts releases.
type fakeHandle struct {
	kind string
	id   string

	mu       sync.Mutex
	releases int
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Pickle() ([]byte, error) {
	return []byte(h.kind + ":" + h.id), nil
}

func (h *fakeHandle) Release() {
	h.mu.Lock()
	h.releases++
	h.mu.Unlock()
}

func (h *fakeHandle) releaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releases
}

// fakeFactory restores fakeHandles and remembers every one it made.
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeHandle
}

func (f *fakeFactory) unpickle(kind string, pickle []byte) (Handle, error) {
	gotKind, id, ok := strings.Cut(string(pickle), ":")
	if !ok || gotKind != kind {
		return nil, errors.New("not a " + kind + " pickle")
	}
	handle := &fakeHandle{kind: kind, id: id}
	f.mu.Lock()
	f.created = append(f.created, handle)
	f.mu.Unlock()
	return handle, nil
}

func (f *fakeFactory) UnpickleAccount(pickle []byte) (Handle, error) {
	return f.unpickle("account", pickle)
}

func (f *fakeFactory) UnpickleSession(pickle []byte) (Handle, error) {
	return f.unpickle("session", pickle)
}

func (f *fakeFactory) UnpickleGroupSession(pickle []byte) (Handle, error) {
	return f.unpickle("group", pickle)
}

func (f *fakeFactory) handles() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeHandle(nil), f.created...)
}

type storeOption func(*Config)

func withDevice(deviceID ref.DeviceID) storeOption {
	return func(config *Config) { config.DeviceID = deviceID }
}

// newTestStore creates an unopened store under base.
func newTestStore(t *testing.T, base string, options ...storeOption) (*Store, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	config := Config{
		BaseDirectory: base,
		UserID:        testUser,
		DeviceID:      testDevice,
		Factory:       factory,
		Registerer:    prometheus.NewRegistry(),
	}
	for _, option := range options {
		option(&config)
	}
	store, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store, factory
}

// openTestStore creates and opens a store under base, closing it at
// the end of the test.
func openTestStore(t *testing.T, base string, options ...storeOption) (*Store, *fakeFactory) {
	t.Helper()
	store, factory := newTestStore(t, base, options...)
	if err := store.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, factory
}

func session(id string) *fakeHandle {
	return &fakeHandle{kind: "session", id: id}
}

func groupHandle(id string) *fakeHandle {
	return &fakeHandle{kind: "group", id: id}
}
