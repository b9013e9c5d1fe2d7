// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/muesli/termenv"

	"github.com/bureau-foundation/syncengine/lib/pushrule"
	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/lib/roomstore"
	"github.com/bureau-foundation/syncengine/messaging"
)

var (
	lobby = ref.MustParseRoomID("!lobby:example.org")
	bob   = ref.MustParseUserID("@bob:example.org")
)

func openRooms(t *testing.T) *roomstore.Store {
	t.Helper()
	store, err := roomstore.Open(roomstore.Config{
		Path:     filepath.Join(t.TempDir(), "rooms.db"),
		PoolSize: 1,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("roomstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func message(body string) *messaging.Event {
	return &messaging.Event{
		EventID:        ref.MustParseEventID("$m1"),
		Type:           "m.room.message",
		Sender:         bob,
		RoomID:         lobby,
		OriginServerTS: 1_700_000_000_000,
		Content:        map[string]any{"msgtype": "m.text", "body": body},
	}
}

func TestBingPrinterLine(t *testing.T) {
	rooms := openRooms(t)
	err := rooms.Update(context.Background(), roomstore.Live, lobby, func(tx *roomstore.Tx) error {
		tx.Summary().Name = "Lobby\x1b[2J"
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	var out bytes.Buffer
	printer := newBingPrinter(&out, rooms, termenv.Ascii)
	rule := pushrule.Rule{RuleID: ".m.rule.message", Actions: []any{"notify"}}
	if err := printer.OnBingEvent(context.Background(), message("hi\x1b[31m there\nagain"), rule); err != nil {
		t.Fatalf("OnBingEvent: %v", err)
	}

	line := out.String()
	if strings.ContainsRune(line, '\x1b') {
		t.Errorf("line %q contains an escape sequence", line)
	}
	if !strings.HasSuffix(line, " [Lobby] @bob:example.org: hi there again\n") {
		t.Errorf("line = %q", line)
	}
}

func TestBingPrinterFallbacks(t *testing.T) {
	var out bytes.Buffer
	printer := newBingPrinter(&out, nil, termenv.Ascii)

	event := message("")
	event.Type = "m.sticker"
	line := printer.format(context.Background(), event, pushrule.Rule{})
	if !strings.HasSuffix(line, " [!lobby:example.org] @bob:example.org: <m.sticker>") {
		t.Errorf("line = %q", line)
	}

	long := message(strings.Repeat("x", 2*maxBodyWidth))
	line = printer.format(context.Background(), long, pushrule.Rule{})
	if !strings.HasSuffix(line, "…") || strings.Count(line, "x") >= maxBodyWidth {
		t.Errorf("long body not truncated: %d x's", strings.Count(line, "x"))
	}
}

func TestHighlights(t *testing.T) {
	tests := []struct {
		name    string
		actions []any
		want    bool
	}{
		{"notify only", []any{"notify"}, false},
		{"implicit true", []any{"notify", map[string]any{"set_tweak": "highlight"}}, true},
		{"explicit false", []any{"notify", map[string]any{"set_tweak": "highlight", "value": false}}, false},
		{"sound tweak", []any{"notify", map[string]any{"set_tweak": "sound", "value": "default"}}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := highlights(pushrule.Rule{Actions: test.actions}); got != test.want {
				t.Errorf("highlights = %v, want %v", got, test.want)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"plain", "plain"},
		{"line\nbreak\ttab", "line break tab"},
		{"\x1b[1mbold\x1b[0m", "bold"},
	}
	for _, test := range tests {
		if got := sanitize(test.input); got != test.want {
			t.Errorf("sanitize(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}
