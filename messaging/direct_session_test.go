// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/bureau-foundation/syncengine/lib/ref"
)

func newTestSession(t *testing.T, handler http.HandlerFunc) *DirectSession {
	t.Helper()
	client := newTestClient(t, handler)
	session, err := client.Session(Credentials{
		UserID:      ref.MustParseUserID("@alice:example.org"),
		DeviceID:    mustDevice(t, "DEVICE"),
		AccessToken: testBuffer(t, "token"),
	})
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

const syncBody = `{
  "next_batch": "s72595_4483_1934",
  "to_device": {"events": [
    {"type": "m.room.encrypted", "sender": "@bob:example.org", "content": {"algorithm": "m.olm.v1.curve25519-aes-sha2"}}
  ]},
  "account_data": {"events": [
    {"type": "m.ignored_user_list", "content": {"ignored_users": {"@spam:example.org": {}}}}
  ]},
  "presence": {"events": [
    {"type": "m.presence", "sender": "@alice:example.org", "content": {"presence": "online", "displayname": "Alice"}}
  ]},
  "device_lists": {"changed": ["@bob:example.org"]},
  "rooms": {
    "join": {
      "!room:example.org": {
        "summary": {"m.joined_member_count": 2},
        "timeline": {"limited": true, "prev_batch": "p1", "events": [
          {"event_id": "$one", "type": "m.room.message", "sender": "@bob:example.org",
           "origin_server_ts": 1700000000000, "content": {"msgtype": "m.text", "body": "hi alice"}}
        ]},
        "state": {"events": [
          {"event_id": "$m", "type": "m.room.member", "state_key": "@bob:example.org",
           "sender": "@bob:example.org", "content": {"membership": "join"}}
        ]},
        "ephemeral": {"events": [{"type": "m.receipt", "content": {"$one": {"m.read": {"@bob:example.org": {"ts": 1}}}}}]},
        "account_data": {"events": [{"type": "m.tag", "content": {"tags": {"m.favourite": {}}}}]},
        "unread_notifications": {"highlight_count": 1, "notification_count": 3}
      }
    },
    "invite": {"!invited:example.org": {"invite_state": {"events": [
      {"type": "m.room.member", "state_key": "@alice:example.org", "sender": "@carol:example.org", "content": {"membership": "invite"}}
    ]}}},
    "leave": {"!gone:example.org": {"timeline": {"events": []}, "state": {"events": []}}}
  }
}`

func TestSyncParsesAllSections(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/sync" {
			t.Errorf("path = %s", request.URL.Path)
		}
		query := request.URL.Query()
		if query.Get("since") != "s1" || query.Get("timeout") != "30000" || query.Get("full_state") != "true" {
			t.Errorf("query = %v", query)
		}
		io.WriteString(writer, syncBody)
	})

	response, err := session.Sync(context.Background(), SyncOptions{
		Since:      "s1",
		Timeout:    30000,
		SetTimeout: true,
		FullState:  true,
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if response.NextBatch != "s72595_4483_1934" {
		t.Errorf("NextBatch = %q", response.NextBatch)
	}
	if len(response.ToDevice.Events) != 1 || response.ToDevice.Events[0].Sender.String() != "@bob:example.org" {
		t.Errorf("ToDevice = %+v", response.ToDevice)
	}
	if len(response.AccountData.Events) != 1 || response.AccountData.Events[0].Type != ref.EventTypeIgnoredUserList {
		t.Errorf("AccountData = %+v", response.AccountData)
	}
	if got := response.Presence.Events[0].Content.DisplayName; got != "Alice" {
		t.Errorf("presence displayname = %q", got)
	}
	if len(response.DeviceLists.Changed) != 1 {
		t.Errorf("DeviceLists = %+v", response.DeviceLists)
	}

	joined, ok := response.Rooms.Join[ref.MustParseRoomID("!room:example.org")]
	if !ok {
		t.Fatalf("joined room missing: %v", response.Rooms.Join)
	}
	if !joined.Timeline.Limited || joined.Timeline.PrevBatch != "p1" {
		t.Errorf("timeline = %+v", joined.Timeline)
	}
	if body := joined.Timeline.Events[0].ContentString("body"); body != "hi alice" {
		t.Errorf("body = %q", body)
	}
	if joined.State.Events[0].StateKeyValue() != "@bob:example.org" || !joined.State.Events[0].IsState() {
		t.Errorf("state event = %+v", joined.State.Events[0])
	}
	if joined.Summary.JoinedMemberCount == nil || *joined.Summary.JoinedMemberCount != 2 {
		t.Errorf("summary = %+v", joined.Summary)
	}
	if len(joined.Ephemeral.Events) != 1 || len(joined.AccountData.Events) != 1 {
		t.Errorf("ephemeral/account data = %d/%d", len(joined.Ephemeral.Events), len(joined.AccountData.Events))
	}
	if joined.UnreadNotifications.NotificationCount != 3 || joined.UnreadNotifications.HighlightCount != 1 {
		t.Errorf("unread = %+v", joined.UnreadNotifications)
	}
	if _, ok := response.Rooms.Invite[ref.MustParseRoomID("!invited:example.org")]; !ok {
		t.Error("invited room missing")
	}
	if _, ok := response.Rooms.Leave[ref.MustParseRoomID("!gone:example.org")]; !ok {
		t.Error("left room missing")
	}
	if response.IsEmpty() {
		t.Error("IsEmpty = true for a populated delta")
	}
	if !(&SyncResponse{NextBatch: "x"}).IsEmpty() {
		t.Error("IsEmpty = false for an empty delta")
	}
}

func TestEventClear(t *testing.T) {
	encrypted := &Event{Type: ref.EventTypeEncrypted}
	if encrypted.Clear() != encrypted {
		t.Error("Clear without Decrypted should return the event itself")
	}
	encrypted.Decrypted = &Event{Type: ref.EventTypeMessage}
	if encrypted.Clear().Type != ref.EventTypeMessage {
		t.Error("Clear should return the decrypted event")
	}

	data, err := json.Marshal(encrypted)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	json.Unmarshal(data, &raw)
	if _, present := raw["Decrypted"]; present {
		t.Error("Decrypted must not be serialized")
	}
}

func TestPushRuleEndpoints(t *testing.T) {
	type call struct {
		method string
		path   string
		query  string
		body   string
	}
	var calls []call
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		body, _ := io.ReadAll(request.Body)
		calls = append(calls, call{request.Method, request.URL.EscapedPath(), request.URL.RawQuery, string(body)})
		if request.Method == http.MethodGet {
			io.WriteString(writer, `{"global": {
				"override": [{"rule_id": ".m.rule.master", "default": true, "enabled": false, "actions": ["dont_notify"]}],
				"content": [{"rule_id": ".m.rule.contains_user_name", "default": true, "enabled": true, "pattern": "alice",
				             "actions": ["notify", {"set_tweak": "highlight"}]}]
			}}`)
			return
		}
		io.WriteString(writer, `{}`)
	})
	ctx := context.Background()

	rules, err := session.GetPushRules(ctx)
	if err != nil {
		t.Fatalf("GetPushRules: %v", err)
	}
	if len(rules.Global.Override) != 1 || rules.Global.Content[0].Pattern != "alice" {
		t.Errorf("rules = %+v", rules.Global)
	}

	if err := session.SetPushRuleEnabled(ctx, PushRuleKindOverride, ".m.rule.master", true); err != nil {
		t.Fatalf("SetPushRuleEnabled: %v", err)
	}
	rule := PushRule{RuleID: "!room:example.org", Actions: []any{"dont_notify"}}
	if err := session.PutPushRule(ctx, PushRuleKindRoom, rule, "!other:example.org"); err != nil {
		t.Fatalf("PutPushRule: %v", err)
	}
	if err := session.DeletePushRule(ctx, PushRuleKindRoom, "!room:example.org"); err != nil {
		t.Fatalf("DeletePushRule: %v", err)
	}

	want := []call{
		{http.MethodGet, "/_matrix/client/v3/pushrules/", "", ""},
		{http.MethodPut, "/_matrix/client/v3/pushrules/global/override/.m.rule.master/enabled", "", `{"enabled":true}`},
		{http.MethodPut, "/_matrix/client/v3/pushrules/global/room/%21room:example.org", "before=%21other%3Aexample.org", `{"actions":["dont_notify"]}`},
		{http.MethodDelete, "/_matrix/client/v3/pushrules/global/room/%21room:example.org", "", ""},
	}
	if len(calls) != len(want) {
		t.Fatalf("got %d calls, want %d: %+v", len(calls), len(want), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}
}

func TestGetProfile(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.EscapedPath() != "/_matrix/client/v3/profile/@alice:example.org" {
			t.Errorf("path = %s", request.URL.EscapedPath())
		}
		io.WriteString(writer, `{"displayname": "Alice", "avatar_url": "mxc://example.org/a"}`)
	})
	profile, err := session.GetProfile(context.Background(), ref.MustParseUserID("@alice:example.org"))
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if profile.DisplayName != "Alice" || profile.AvatarURL != "mxc://example.org/a" {
		t.Errorf("profile = %+v", profile)
	}
}
