// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pushrule

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/messaging"
)

var (
	alice    = ref.MustParseUserID("@alice:example.org")
	bob      = ref.MustParseUserID("@bob:example.org")
	roomOne  = ref.MustParseRoomID("!one:example.org")
	roomTwo  = ref.MustParseRoomID("!two:example.org")
	notifyOn = []any{ActionNotify}
)

// fakeClient records rule RPCs and fails the ones named in failOn.
type fakeClient struct {
	mu       sync.Mutex
	calls    []string
	failOn   map[string]error
	response *messaging.PushRulesResponse
	fetchErr error
}

func (f *fakeClient) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failOn[call]
}

func (f *fakeClient) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) GetPushRules(ctx context.Context) (*messaging.PushRulesResponse, error) {
	if err := f.record("get"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.response, nil
}

func (f *fakeClient) SetPushRuleEnabled(ctx context.Context, kind, ruleID string, enabled bool) error {
	return f.record("enable " + kind + "/" + ruleID)
}

func (f *fakeClient) PutPushRule(ctx context.Context, kind string, rule messaging.PushRule, before string) error {
	return f.record("put " + kind + "/" + rule.RuleID)
}

func (f *fakeClient) DeletePushRule(ctx context.Context, kind, ruleID string) error {
	return f.record("delete " + kind + "/" + ruleID)
}

// fakeEnvironment answers membership questions from fixed maps.
type fakeEnvironment struct {
	memberCounts   map[ref.RoomID]int
	displayNames   map[ref.RoomID]string
	ownDisplayName string
}

func (f *fakeEnvironment) MemberCount(roomID ref.RoomID) (int, bool) {
	count, ok := f.memberCounts[roomID]
	return count, ok
}

func (f *fakeEnvironment) MemberDisplayName(roomID ref.RoomID, userID ref.UserID) (string, bool) {
	name, ok := f.displayNames[roomID]
	return name, ok
}

func (f *fakeEnvironment) OwnDisplayName() string {
	return f.ownDisplayName
}

func newTestEngine(t *testing.T, client RuleClient, environment Environment) *Engine {
	t.Helper()
	return NewEngine(Config{
		Client:      client,
		UserID:      alice,
		Environment: environment,
		Registerer:  prometheus.NewRegistry(),
	})
}

func message(sender ref.UserID, roomID ref.RoomID, body string) *messaging.Event {
	return &messaging.Event{
		Type:    ref.EventTypeMessage,
		Sender:  sender,
		RoomID:  roomID,
		Content: map[string]any{"msgtype": "m.text", "body": body},
	}
}

func ruleIDs(rules []Rule) []string {
	ids := make([]string, len(rules))
	for i, rule := range rules {
		ids[i] = rule.Kind + "/" + rule.RuleID
	}
	return ids
}
