// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/bureau-foundation/syncengine/lib/pushrule"
	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/lib/roomstore"
	"github.com/bureau-foundation/syncengine/messaging"
)

// hydrate loads the ignored-user list, direct chats and rule set
// from the stored account data.
func (p *Processor) hydrate(ctx context.Context) error {
	ignored, err := p.storedAccountData(ctx, ref.EventTypeIgnoredUserList)
	if err != nil {
		return err
	}
	direct, err := p.storedAccountData(ctx, ref.EventTypeDirect)
	if err != nil {
		return err
	}
	p.cacheMu.Lock()
	p.ignored = parseIgnoredUsers(ignored)
	p.direct = parseDirectChats(direct)
	p.cacheMu.Unlock()

	if p.rules != nil && !p.rules.IsReady() {
		content, err := p.storedAccountData(ctx, ref.EventTypePushRules)
		if err != nil {
			return err
		}
		if content != nil {
			rules, err := parsePushRules(content)
			if err != nil {
				p.logger.Warn("ignoring stored push rules", "error", err)
			} else {
				p.rules.Replace(rules)
			}
		}
	}
	return nil
}

func (p *Processor) storedAccountData(ctx context.Context, eventType ref.EventType) (map[string]any, error) {
	content, _, err := p.store.AccountData(ctx, eventType)
	if err != nil {
		return nil, fmt.Errorf("syncer: loading %s: %w", eventType, err)
	}
	return content, nil
}

// applyAccountData applies global account data. The ignored-user
// list, direct chats and rule set are applied only when they differ
// from the cached value; ignored-user and direct-chat notifications
// are not published for the initial delta.
func (p *Processor) applyAccountData(ctx context.Context, events []messaging.Event, initial bool) {
	for i := range events {
		event := &events[i]
		if err := p.store.PutAccountData(ctx, event.Type, event.Content); err != nil {
			p.logger.Error("storing account data failed", "event_type", event.Type, "error", err)
		}
		switch event.Type {
		case ref.EventTypeIgnoredUserList:
			ignored := parseIgnoredUsers(event.Content)
			p.cacheMu.Lock()
			changed := !slices.Equal(p.ignored, ignored)
			p.ignored = ignored
			p.cacheMu.Unlock()
			if changed && !initial {
				list := slices.Clone(ignored)
				p.bus.publish("OnIgnoredUsersListUpdate", func(ctx context.Context, observer Observer) error {
					return observer.OnIgnoredUsersListUpdate(ctx, list)
				})
			}

		case ref.EventTypeDirect:
			direct := parseDirectChats(event.Content)
			p.cacheMu.Lock()
			changed := !maps.EqualFunc(p.direct, direct, slices.Equal[[]ref.RoomID])
			p.direct = direct
			p.cacheMu.Unlock()
			if changed && !initial {
				snapshot := cloneDirect(direct)
				p.bus.publish("OnDirectChatsUpdate", func(ctx context.Context, observer Observer) error {
					return observer.OnDirectChatsUpdate(ctx, snapshot)
				})
			}

		case ref.EventTypePushRules:
			if p.rules == nil {
				continue
			}
			rules, err := parsePushRules(event.Content)
			if err != nil {
				p.logger.Warn("ignoring malformed push rules", "error", err)
				continue
			}
			if p.rules.IsReady() && p.rules.Rules().Equal(rules) {
				continue
			}
			// The engine notifies the subscription made in Open, which
			// publishes OnRuleSetUpdate.
			p.rules.Replace(rules)
		}
	}
}

// applyPresence stores presence events. For the local account the
// display name and avatar are mirrored into the profile.
func (p *Processor) applyPresence(ctx context.Context, events []messaging.PresenceEvent) {
	for i := range events {
		event := &events[i]
		if event.Sender.IsZero() {
			continue
		}
		user := roomstore.User{
			UserID:          event.Sender,
			Presence:        event.Content.Presence,
			StatusMessage:   event.Content.StatusMsg,
			LastActiveAgo:   event.Content.LastActiveAgo,
			CurrentlyActive: event.Content.CurrentlyActive,
			UpdatedAt:       p.clock.Now(),
		}
		if err := p.store.PutPresence(ctx, user); err != nil {
			p.logger.Error("storing presence failed", "user_id", event.Sender, "error", err)
			continue
		}

		if event.Sender == p.self && (event.Content.DisplayName != "" || event.Content.AvatarURL != "") {
			changed, err := p.store.PutProfile(ctx, p.self, event.Content.DisplayName, event.Content.AvatarURL)
			if err != nil {
				p.logger.Error("storing own profile failed", "error", err)
			} else if changed {
				profile := Profile{
					UserID:      p.self,
					DisplayName: event.Content.DisplayName,
					AvatarURL:   event.Content.AvatarURL,
				}
				p.bus.publish("OnAccountInfoUpdate", func(ctx context.Context, observer Observer) error {
					return observer.OnAccountInfoUpdate(ctx, profile)
				})
			}
		}

		stored, _, err := p.store.User(ctx, event.Sender)
		if err != nil {
			p.logger.Error("reading stored presence failed", "user_id", event.Sender, "error", err)
			stored = user
		}
		p.bus.publish("OnPresenceUpdate", func(ctx context.Context, observer Observer) error {
			return observer.OnPresenceUpdate(ctx, stored)
		})
	}
}

// IgnoredUsers returns the ignored-user list, sorted.
func (p *Processor) IgnoredUsers() []ref.UserID {
	p.cacheMu.RLock()
	defer p.cacheMu.RUnlock()
	return slices.Clone(p.ignored)
}

// IsIgnored reports whether userID is on the ignored-user list.
func (p *Processor) IsIgnored(userID ref.UserID) bool {
	p.cacheMu.RLock()
	defer p.cacheMu.RUnlock()
	_, found := slices.BinarySearchFunc(p.ignored, userID, compareUserIDs)
	return found
}

// DirectChats returns a copy of the direct-chat map.
func (p *Processor) DirectChats() map[ref.UserID][]ref.RoomID {
	p.cacheMu.RLock()
	defer p.cacheMu.RUnlock()
	return cloneDirect(p.direct)
}

// Profile returns the stored profile of the local account.
func (p *Processor) Profile(ctx context.Context) (Profile, error) {
	user, _, err := p.store.User(ctx, p.self)
	if err != nil {
		return Profile{}, fmt.Errorf("syncer: reading profile: %w", err)
	}
	return Profile{UserID: p.self, DisplayName: user.DisplayName, AvatarURL: user.AvatarURL}, nil
}

// parseIgnoredUsers reads the keys of an m.ignored_user_list
// content's "ignored_users" object, sorted.
func parseIgnoredUsers(content map[string]any) []ref.UserID {
	raw, _ := content["ignored_users"].(map[string]any)
	ignored := make([]ref.UserID, 0, len(raw))
	for rawUserID := range raw {
		userID, err := ref.ParseUserID(rawUserID)
		if err != nil {
			continue
		}
		ignored = append(ignored, userID)
	}
	slices.SortFunc(ignored, compareUserIDs)
	return ignored
}

// parseDirectChats reads an m.direct content: user id to room ids.
func parseDirectChats(content map[string]any) map[ref.UserID][]ref.RoomID {
	direct := make(map[ref.UserID][]ref.RoomID, len(content))
	for rawUserID, rawRooms := range content {
		userID, err := ref.ParseUserID(rawUserID)
		if err != nil {
			continue
		}
		list, _ := rawRooms.([]any)
		var roomIDs []ref.RoomID
		for _, rawRoomID := range list {
			text, _ := rawRoomID.(string)
			roomID, err := ref.ParseRoomID(text)
			if err != nil {
				continue
			}
			roomIDs = append(roomIDs, roomID)
		}
		direct[userID] = roomIDs
	}
	return direct
}

// parsePushRules decodes an m.push_rules content through its JSON
// shape.
func parsePushRules(content map[string]any) (pushrule.Set, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return pushrule.Set{}, fmt.Errorf("encoding push rules content: %w", err)
	}
	var response messaging.PushRulesResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return pushrule.Set{}, fmt.Errorf("decoding push rules content: %w", err)
	}
	return pushrule.SetFromWire(response.Global), nil
}

func cloneDirect(direct map[ref.UserID][]ref.RoomID) map[ref.UserID][]ref.RoomID {
	clone := make(map[ref.UserID][]ref.RoomID, len(direct))
	for userID, roomIDs := range direct {
		clone[userID] = slices.Clone(roomIDs)
	}
	return clone
}

func compareUserIDs(a, b ref.UserID) int {
	return strings.Compare(a.String(), b.String())
}
