// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/syncengine/lib/clock"
	"github.com/bureau-foundation/syncengine/lib/pushrule"
	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/lib/roomstore"
	"github.com/bureau-foundation/syncengine/lib/testutil"
	"github.com/bureau-foundation/syncengine/messaging"
)

var (
	alice   = ref.MustParseUserID("@alice:example.org")
	bob     = ref.MustParseUserID("@bob:example.org")
	carol   = ref.MustParseUserID("@carol:example.org")
	roomOne = ref.MustParseRoomID("!one:example.org")
	roomTwo = ref.MustParseRoomID("!two:example.org")

	epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

const testTimeout = 5 * time.Second

func openTestStore(t *testing.T) *roomstore.Store {
	t.Helper()
	store, err := roomstore.Open(roomstore.Config{
		Path:   filepath.Join(t.TempDir(), "rooms.db"),
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("roomstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// testProcessor bundles a processor with the fakes around it.
type testProcessor struct {
	*Processor
	store    *roomstore.Store
	recorder *recorder
	registry *prometheus.Registry
	clock    *clock.FakeClock
}

// newTestProcessor opens a processor for alice over a fresh store.
// configure, when non-nil, adjusts the config before New.
func newTestProcessor(t *testing.T, configure func(*Config)) *testProcessor {
	t.Helper()
	return newTestProcessorWithStore(t, openTestStore(t), configure)
}

func newTestProcessorWithStore(t *testing.T, store *roomstore.Store, configure func(*Config)) *testProcessor {
	t.Helper()
	registry := prometheus.NewRegistry()
	fakeClock := clock.Fake(epoch)
	config := Config{
		Store:      store,
		UserID:     alice,
		Clock:      fakeClock,
		Logger:     slog.New(slog.DiscardHandler),
		Registerer: registry,
	}
	if configure != nil {
		configure(&config)
	}
	processor, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recorder := &recorder{}
	processor.Subscribe(recorder)
	if err := processor.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		processor.Close()
		testutil.RequireClosed(t, processor.Done(), testTimeout, "worker exit")
	})
	return &testProcessor{
		Processor: processor,
		store:     store,
		recorder:  recorder,
		registry:  registry,
		clock:     fakeClock,
	}
}

// apply applies delta and waits for its notifications.
func (tp *testProcessor) apply(t *testing.T, delta *messaging.SyncResponse, from string, catchingUp bool) {
	t.Helper()
	testutil.RequireClosed(t, tp.Apply(delta, from, catchingUp), testTimeout, "delta applied")
	tp.flush(t)
}

func (tp *testProcessor) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := tp.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

// counterValue sums the samples of a counter family, restricted to
// samples carrying every label in labels.
func (tp *testProcessor) counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := tp.registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for key, value := range labels {
				matched := false
				for _, pair := range metric.GetLabel() {
					if pair.GetName() == key && pair.GetValue() == value {
						matched = true
					}
				}
				if !matched {
					continue metrics
				}
			}
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

// recorder is an observer that records every callback as a short
// line of text.
type recorder struct {
	BaseObserver

	mu    sync.Mutex
	lines []string

	// toDevice keeps the to-device events for inspection.
	toDevice []*messaging.Event
	bings    []pushrule.Rule
}

func (r *recorder) record(format string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
	return nil
}

// calls returns the recorded lines, optionally only those starting
// with one of prefixes.
func (r *recorder) calls(prefixes ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lines []string
	for _, line := range r.lines {
		if len(prefixes) == 0 || slices.ContainsFunc(prefixes, func(prefix string) bool {
			return strings.HasPrefix(line, prefix)
		}) {
			lines = append(lines, line)
		}
	}
	return lines
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = nil
	r.toDevice = nil
	r.bings = nil
}

func (r *recorder) OnStoreReady(context.Context) error {
	return r.record("store_ready")
}

func (r *recorder) OnAccountInfoUpdate(_ context.Context, profile Profile) error {
	return r.record("account_info %s", profile.DisplayName)
}

func (r *recorder) OnPresenceUpdate(_ context.Context, user roomstore.User) error {
	return r.record("presence %s %s", user.UserID, user.Presence)
}

func (r *recorder) OnIgnoredUsersListUpdate(_ context.Context, ignored []ref.UserID) error {
	return r.record("ignored %d", len(ignored))
}

func (r *recorder) OnDirectChatsUpdate(_ context.Context, direct map[ref.UserID][]ref.RoomID) error {
	return r.record("direct %d", len(direct))
}

func (r *recorder) OnLiveEvent(_ context.Context, event *messaging.Event) error {
	return r.record("live %s", event.EventID)
}

func (r *recorder) OnBingEvent(_ context.Context, event *messaging.Event, rule pushrule.Rule) error {
	r.mu.Lock()
	r.bings = append(r.bings, rule)
	r.mu.Unlock()
	return r.record("bing %s", event.EventID)
}

func (r *recorder) OnEventEncrypted(_ context.Context, event *messaging.Event) error {
	return r.record("encrypted %s", event.EventID)
}

func (r *recorder) OnSentEvent(_ context.Context, event *messaging.Event) error {
	return r.record("sent %s", event.EventID)
}

func (r *recorder) OnFailedSendingEvent(_ context.Context, event *messaging.Event) error {
	return r.record("failed %s", event.EventID)
}

func (r *recorder) OnEventDecrypted(_ context.Context, event *messaging.Event) error {
	return r.record("decrypted %s", event.EventID)
}

func (r *recorder) OnRuleSetUpdate(_ context.Context, rules pushrule.Set) error {
	return r.record("rules %d", rules.Len())
}

func (r *recorder) OnInitialSyncComplete(_ context.Context, token string) error {
	return r.record("initial %s", token)
}

func (r *recorder) OnLiveEventsChunkProcessed(_ context.Context, from, to string) error {
	return r.record("chunk %s %s", from, to)
}

func (r *recorder) OnCryptoSyncComplete(context.Context) error {
	return r.record("crypto")
}

func (r *recorder) OnNewRoom(_ context.Context, roomID ref.RoomID) error {
	return r.record("new %s", roomID)
}

func (r *recorder) OnJoinRoom(_ context.Context, roomID ref.RoomID) error {
	return r.record("join %s", roomID)
}

func (r *recorder) OnLeaveRoom(_ context.Context, roomID ref.RoomID) error {
	return r.record("leave %s", roomID)
}

func (r *recorder) OnRoomFlush(_ context.Context, roomID ref.RoomID) error {
	return r.record("flush %s", roomID)
}

func (r *recorder) OnRoomInitialSyncComplete(_ context.Context, roomID ref.RoomID) error {
	return r.record("room_initial %s", roomID)
}

func (r *recorder) OnRoomInternalUpdate(_ context.Context, roomID ref.RoomID) error {
	return r.record("room_update %s", roomID)
}

func (r *recorder) OnReceiptEvent(_ context.Context, roomID ref.RoomID, senders []ref.UserID) error {
	return r.record("receipt %s %d", roomID, len(senders))
}

func (r *recorder) OnRoomTagEvent(_ context.Context, roomID ref.RoomID) error {
	return r.record("tag %s", roomID)
}

func (r *recorder) OnReadMarkerEvent(_ context.Context, roomID ref.RoomID) error {
	return r.record("read_marker %s", roomID)
}

func (r *recorder) OnToDeviceEvent(_ context.Context, event *messaging.Event) error {
	r.mu.Lock()
	r.toDevice = append(r.toDevice, event)
	r.mu.Unlock()
	return r.record("to_device %s", event.Type)
}

func (r *recorder) toDeviceEvents() []*messaging.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.toDevice)
}

func (r *recorder) bingRules() []pushrule.Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.bings)
}

// fakeCrypto records how the processor drives it. Decrypt turns the
// "ciphertext" field of an encrypted event into a message body.
type fakeCrypto struct {
	mu            sync.Mutex
	started       bool
	starts        []bool
	syncCompleted []string
	decryptErr    error
	startErr      error
}

func (f *fakeCrypto) OnSyncCompleted(_ context.Context, delta *messaging.SyncResponse, from string, catchingUp bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := "<nil>"
	if delta != nil {
		next = delta.NextBatch
	}
	f.syncCompleted = append(f.syncCompleted, fmt.Sprintf("%s->%s catching_up=%t", from, next, catchingUp))
}

func (f *fakeCrypto) Start(_ context.Context, initialSync bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, initialSync)
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeCrypto) IsStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeCrypto) IsStarting() bool {
	return false
}

func (f *fakeCrypto) Decrypt(_ context.Context, event *messaging.Event) (*messaging.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	ciphertext, ok := event.Content["ciphertext"].(string)
	if !ok {
		return nil, errors.New("no ciphertext")
	}
	return &messaging.Event{
		EventID: event.EventID,
		Type:    ref.EventTypeMessage,
		Sender:  event.Sender,
		RoomID:  event.RoomID,
		Content: map[string]any{"msgtype": "m.text", "body": ciphertext},
	}, nil
}

func (f *fakeCrypto) startCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.starts)
}

// Event builders.

func stateKey(key string) *string {
	return &key
}

func memberEvent(userID ref.UserID, membership string, sender ref.UserID) messaging.Event {
	return messaging.Event{
		EventID:  ref.MustParseEventID(testutil.UniqueID("$member")),
		Type:     ref.EventTypeMember,
		Sender:   sender,
		StateKey: stateKey(userID.String()),
		Content:  map[string]any{"membership": membership},
	}
}

func textEvent(id string, sender ref.UserID, body string) messaging.Event {
	return messaging.Event{
		EventID:        ref.MustParseEventID("$" + id),
		Type:           ref.EventTypeMessage,
		Sender:         sender,
		OriginServerTS: epoch.UnixMilli(),
		Content:        map[string]any{"msgtype": "m.text", "body": body},
	}
}

func encryptedEvent(id string, sender ref.UserID, ciphertext string) messaging.Event {
	return messaging.Event{
		EventID:        ref.MustParseEventID("$" + id),
		Type:           ref.EventTypeEncrypted,
		Sender:         sender,
		OriginServerTS: epoch.UnixMilli(),
		Content:        map[string]any{"algorithm": "m.megolm.v1.aes-sha2", "ciphertext": ciphertext},
	}
}

// joinedDelta returns a delta in which alice is joined to roomID,
// with the given timeline events.
func joinedDelta(next string, roomID ref.RoomID, timeline ...messaging.Event) *messaging.SyncResponse {
	return &messaging.SyncResponse{
		NextBatch: next,
		Rooms: messaging.RoomsSection{
			Join: map[ref.RoomID]messaging.JoinedRoom{
				roomID: {
					State:    messaging.EventsSection{Events: []messaging.Event{memberEvent(alice, messaging.MembershipJoin, alice)}},
					Timeline: messaging.TimelineSection{Events: timeline},
				},
			},
		},
	}
}

// leftDelta returns a delta in which alice's membership of roomID
// becomes membership, set by sender.
func leftDelta(next string, roomID ref.RoomID, membership string, sender ref.UserID) *messaging.SyncResponse {
	return &messaging.SyncResponse{
		NextBatch: next,
		Rooms: messaging.RoomsSection{
			Leave: map[ref.RoomID]messaging.LeftRoom{
				roomID: {
					Timeline: messaging.TimelineSection{Events: []messaging.Event{memberEvent(alice, membership, sender)}},
				},
			},
		},
	}
}

func accountDataDelta(next string, events ...messaging.Event) *messaging.SyncResponse {
	return &messaging.SyncResponse{
		NextBatch:   next,
		AccountData: messaging.EventsSection{Events: events},
	}
}

func ignoredUsersEvent(users ...ref.UserID) messaging.Event {
	ignored := map[string]any{}
	for _, user := range users {
		ignored[user.String()] = map[string]any{}
	}
	return messaging.Event{
		Type:    ref.EventTypeIgnoredUserList,
		Content: map[string]any{"ignored_users": ignored},
	}
}

// requirePartition fails unless roomID is stored in want.
func requirePartition(t *testing.T, store *roomstore.Store, roomID ref.RoomID, want roomstore.Partition) {
	t.Helper()
	partition, found, err := store.Locate(context.Background(), roomID)
	if err != nil {
		t.Fatalf("Locate(%s): %v", roomID, err)
	}
	if !found {
		t.Fatalf("room %s not stored, want %s", roomID, want)
	}
	if partition != want {
		t.Fatalf("room %s in %s, want %s", roomID, partition, want)
	}
}

func requireAbsent(t *testing.T, store *roomstore.Store, roomID ref.RoomID) {
	t.Helper()
	partition, found, err := store.Locate(context.Background(), roomID)
	if err != nil {
		t.Fatalf("Locate(%s): %v", roomID, err)
	}
	if found {
		t.Fatalf("room %s still stored in %s", roomID, partition)
	}
}

// syncResult is one scripted answer of a scriptedSource.
type syncResult struct {
	delta *messaging.SyncResponse
	err   error
}

// scriptedSource answers Sync calls from a script. Every call is
// reported on called first. Once the script is used up, Sync blocks
// until its context is done.
type scriptedSource struct {
	mu     sync.Mutex
	script []syncResult
	gate   chan struct{}

	called chan messaging.SyncOptions
}

func newScriptedSource(results ...syncResult) *scriptedSource {
	return &scriptedSource{
		script: results,
		called: make(chan messaging.SyncOptions, 64),
	}
}

// hold makes every call wait until release is called.
func (s *scriptedSource) hold() {
	s.mu.Lock()
	s.gate = make(chan struct{})
	s.mu.Unlock()
}

func (s *scriptedSource) release() {
	s.mu.Lock()
	close(s.gate)
	s.mu.Unlock()
}

func (s *scriptedSource) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	s.called <- options

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	if len(s.script) == 0 {
		s.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	result := s.script[0]
	s.script = s.script[1:]
	s.mu.Unlock()
	return result.delta, result.err
}
