// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pushrule

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/bureau-foundation/syncengine/messaging"
)

func loadedEngine(t *testing.T, client *fakeClient, set Set) *Engine {
	t.Helper()
	engine := newTestEngine(t, client, nil)
	engine.Replace(set)
	return engine
}

func contentRule(id string) Rule {
	return Rule{Kind: messaging.PushRuleKindContent, RuleID: id, Enabled: true, Pattern: id, Actions: notifyOn}
}

func TestToggle(t *testing.T) {
	client := &fakeClient{}
	engine := loadedEngine(t, client, Set{Content: []Rule{contentRule("lunch")}})

	updates := 0
	engine.Subscribe(func(Set) { updates++ })

	if err := engine.Toggle(context.Background(), contentRule("lunch"), false); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if got := client.callLog(); !slices.Equal(got, []string{"enable content/lunch"}) {
		t.Errorf("calls = %v", got)
	}
	if engine.Rules().Content[0].Enabled {
		t.Error("rule still enabled locally")
	}
	if updates != 1 {
		t.Errorf("listener called %d times, want 1", updates)
	}
	if rule := engine.Evaluate(message(bob, roomOne, "lunch")); rule != nil {
		t.Errorf("disabled rule still matches: %s", rule.RuleID)
	}
}

func TestMutationFailureLeavesLocalState(t *testing.T) {
	remoteErr := &messaging.MatrixError{Code: messaging.ErrCodeNotFound, Message: "gone", StatusCode: 404}
	client := &fakeClient{failOn: map[string]error{"enable content/lunch": remoteErr}}
	engine := loadedEngine(t, client, Set{Content: []Rule{contentRule("lunch")}})

	updates := 0
	engine.Subscribe(func(Set) { updates++ })

	err := engine.Toggle(context.Background(), contentRule("lunch"), false)
	var ruleErr *RuleError
	if !errors.As(err, &ruleErr) {
		t.Fatalf("Toggle error = %v, want *RuleError", err)
	}
	if ruleErr.Op != "toggle" || ruleErr.RuleID != "lunch" {
		t.Errorf("RuleError = %+v", ruleErr)
	}
	if !messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
		t.Errorf("Toggle error does not unwrap to the server error: %v", err)
	}
	if !engine.Rules().Content[0].Enabled {
		t.Error("local rule changed despite the failed RPC")
	}
	if updates != 0 {
		t.Errorf("listener called %d times after a failure", updates)
	}
}

func TestMutationBeforeLoad(t *testing.T) {
	client := &fakeClient{}
	engine := newTestEngine(t, client, nil)
	err := engine.Add(context.Background(), contentRule("lunch"))
	if !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("Add before load = %v, want ErrNotLoaded", err)
	}
	if calls := client.callLog(); len(calls) != 0 {
		t.Errorf("RPCs issued before load: %v", calls)
	}
}

func TestMutationRejectsUnknownKind(t *testing.T) {
	client := &fakeClient{}
	engine := loadedEngine(t, client, Set{})
	err := engine.Delete(context.Background(), Rule{Kind: "sideways", RuleID: "x"})
	if err == nil {
		t.Fatal("Delete with an unknown kind should fail")
	}
	if calls := client.callLog(); len(calls) != 0 {
		t.Errorf("RPCs issued for an unknown kind: %v", calls)
	}
}

func TestAddInsertsAtTop(t *testing.T) {
	client := &fakeClient{}
	engine := loadedEngine(t, client, Set{Content: []Rule{contentRule("first"), contentRule("second")}})

	if err := engine.Add(context.Background(), contentRule("newest")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := engine.Add(context.Background(), contentRule("second")); err != nil {
		t.Fatalf("Add existing: %v", err)
	}
	want := []string{"content/second", "content/newest", "content/first"}
	if got := ruleIDs(engine.Rules().Content); !slices.Equal(got, want) {
		t.Errorf("content rules = %v, want %v", got, want)
	}
}

func TestDelete(t *testing.T) {
	client := &fakeClient{}
	engine := loadedEngine(t, client, Set{Content: []Rule{contentRule("a"), contentRule("b")}})

	if err := engine.Delete(context.Background(), contentRule("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := ruleIDs(engine.Rules().Content); !slices.Equal(got, []string{"content/b"}) {
		t.Errorf("content rules = %v", got)
	}
}

func TestDeleteBatchStopsAtFirstFailure(t *testing.T) {
	remoteErr := errors.New("connection reset")
	client := &fakeClient{failOn: map[string]error{"delete content/c": remoteErr}}
	engine := loadedEngine(t, client, Set{Content: []Rule{
		contentRule("a"), contentRule("b"), contentRule("c"), contentRule("d"),
	}})

	batch := []Rule{contentRule("a"), contentRule("b"), contentRule("c"), contentRule("d")}
	err := engine.DeleteBatch(context.Background(), batch)

	var batchErr *BatchDeleteError
	if !errors.As(err, &batchErr) {
		t.Fatalf("DeleteBatch error = %v, want *BatchDeleteError", err)
	}
	if got := ruleIDs(batchErr.Deleted); !slices.Equal(got, []string{"content/a", "content/b"}) {
		t.Errorf("Deleted = %v, want [a b]", got)
	}
	if batchErr.Failed.RuleID != "c" {
		t.Errorf("Failed = %s, want c", batchErr.Failed.RuleID)
	}
	if !errors.Is(err, remoteErr) {
		t.Errorf("BatchDeleteError does not unwrap to the cause: %v", err)
	}

	wantCalls := []string{"delete content/a", "delete content/b", "delete content/c"}
	if got := client.callLog(); !slices.Equal(got, wantCalls) {
		t.Errorf("calls = %v, want %v (nothing after the failure)", got, wantCalls)
	}
	if got := ruleIDs(engine.Rules().Content); !slices.Equal(got, []string{"content/c", "content/d"}) {
		t.Errorf("local rules = %v, want the undeleted suffix", got)
	}
}

func TestDeleteBatchEmpty(t *testing.T) {
	client := &fakeClient{}
	engine := loadedEngine(t, client, Set{})
	if err := engine.DeleteBatch(context.Background(), nil); err != nil {
		t.Fatalf("DeleteBatch(nil): %v", err)
	}
}

func TestMuteRoom(t *testing.T) {
	client := &fakeClient{}
	engine := loadedEngine(t, client, Set{
		Override: []Rule{{Kind: messaging.PushRuleKindOverride, RuleID: roomOne.String(), Enabled: true, Actions: notifyOn}},
		Room: []Rule{
			{Kind: messaging.PushRuleKindRoom, RuleID: roomOne.String(), Enabled: true, Actions: notifyOn},
			{Kind: messaging.PushRuleKindRoom, RuleID: roomTwo.String(), Enabled: true, Actions: notifyOn},
		},
	})
	ctx := context.Background()

	if err := engine.MuteRoom(ctx, roomOne, true); err != nil {
		t.Fatalf("MuteRoom(true): %v", err)
	}
	wantCalls := []string{
		"delete override/" + roomOne.String(),
		"delete room/" + roomOne.String(),
		"put room/" + roomOne.String(),
	}
	if got := client.callLog(); !slices.Equal(got, wantCalls) {
		t.Errorf("calls = %v, want %v", got, wantCalls)
	}
	if !engine.IsRoomMentionOnly(roomOne) {
		t.Error("muted room is not mention-only")
	}
	if engine.IsRoomMentionOnly(roomTwo) {
		t.Error("mute leaked to another room")
	}

	if err := engine.MuteRoom(ctx, roomOne, false); err != nil {
		t.Fatalf("MuteRoom(false): %v", err)
	}
	if rules := engine.RulesForRoom(roomOne); len(rules) != 0 {
		t.Errorf("rules left after unmute: %v", ruleIDs(rules))
	}
	if engine.IsRoomMentionOnly(roomOne) {
		t.Error("unmuted room still mention-only")
	}
}
