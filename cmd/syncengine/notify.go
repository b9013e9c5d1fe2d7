// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"

	"github.com/bureau-foundation/syncengine/lib/pushrule"
	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/lib/roomstore"
	"github.com/bureau-foundation/syncengine/messaging"
	"github.com/bureau-foundation/syncengine/syncer"
)

// maxBodyWidth bounds the printed message body, in terminal cells.
const maxBodyWidth = 160

// bingPrinter writes one line per notification:
//
//	15:04 [Room name] @sender:server: message body
//
// Everything that came from the server is stripped of terminal escape
// sequences before it is styled.
type bingPrinter struct {
	syncer.BaseObserver

	out   io.Writer
	rooms *roomstore.Store

	timeStyle      lipgloss.Style
	roomStyle      lipgloss.Style
	senderStyle    lipgloss.Style
	highlightStyle lipgloss.Style
}

func newBingPrinter(out io.Writer, rooms *roomstore.Store, profile termenv.Profile) *bingPrinter {
	renderer := lipgloss.NewRenderer(out, termenv.WithProfile(profile))
	renderer.SetColorProfile(profile)
	return &bingPrinter{
		out:            out,
		rooms:          rooms,
		timeStyle:      renderer.NewStyle().Faint(true),
		roomStyle:      renderer.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		senderStyle:    renderer.NewStyle().Foreground(lipgloss.Color("214")),
		highlightStyle: renderer.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
	}
}

func (p *bingPrinter) OnBingEvent(ctx context.Context, event *messaging.Event, rule pushrule.Rule) error {
	_, err := fmt.Fprintln(p.out, p.format(ctx, event, rule))
	return err
}

func (p *bingPrinter) format(ctx context.Context, event *messaging.Event, rule pushrule.Rule) string {
	shown := event.Clear()
	body := sanitize(shown.ContentString("body"))
	if body == "" {
		body = "<" + sanitize(string(shown.Type)) + ">"
	}
	body = ansi.Truncate(body, maxBodyWidth, "…")
	if highlights(rule) {
		body = p.highlightStyle.Render(body)
	}

	stamp := time.UnixMilli(event.OriginServerTS).Format("15:04")
	return fmt.Sprintf("%s %s %s: %s",
		p.timeStyle.Render(stamp),
		p.roomStyle.Render("["+p.roomName(ctx, event.RoomID)+"]"),
		p.senderStyle.Render(sanitize(event.Sender.String())),
		body,
	)
}

// roomName prefers the room's name, then its id.
func (p *bingPrinter) roomName(ctx context.Context, roomID ref.RoomID) string {
	if p.rooms != nil {
		room, err := p.rooms.Room(ctx, roomstore.Live, roomID)
		if err == nil && room.Summary.Name != "" {
			return sanitize(room.Summary.Name)
		}
	}
	return roomID.String()
}

// highlights reports whether rule asks for the highlight tweak.
func highlights(rule pushrule.Rule) bool {
	for _, action := range rule.Actions {
		tweak, ok := action.(map[string]any)
		if !ok || tweak["set_tweak"] != "highlight" {
			continue
		}
		value, present := tweak["value"]
		if !present {
			return true
		}
		if enabled, ok := value.(bool); ok {
			return enabled
		}
	}
	return false
}

// sanitize removes escape sequences and flattens line breaks so remote
// text cannot move the cursor or span lines.
func sanitize(text string) string {
	text = ansi.Strip(text)
	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' || r == '\r' || r == '\t' {
			runes[i] = ' '
		} else if r < 0x20 || r == 0x7f {
			runes[i] = '?'
		}
	}
	return string(runes)
}

// progressLogger logs the sync milestones an operator watches for.
type progressLogger struct {
	syncer.BaseObserver
	logger *slog.Logger
}

func (l progressLogger) OnInitialSyncComplete(_ context.Context, token string) error {
	l.logger.Info("initial sync complete", "next_batch", token)
	return nil
}

func (l progressLogger) OnLiveEventsChunkProcessed(_ context.Context, from, to string) error {
	l.logger.Debug("delta applied", "from", from, "to", to)
	return nil
}

func (l progressLogger) OnJoinRoom(_ context.Context, roomID ref.RoomID) error {
	l.logger.Info("joined room", "room_id", roomID)
	return nil
}

func (l progressLogger) OnLeaveRoom(_ context.Context, roomID ref.RoomID) error {
	l.logger.Info("left room", "room_id", roomID)
	return nil
}

func (l progressLogger) OnRuleSetUpdate(_ context.Context, rules pushrule.Set) error {
	l.logger.Debug("push rules updated", "rules", rules.Len())
	return nil
}
