// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/lib/roomstore"
	"github.com/bureau-foundation/syncengine/messaging"
)

// roomDelta is the part of a joined or left room section that
// applies to a stored room.
type roomDelta struct {
	state       []messaging.Event
	timeline    messaging.TimelineSection
	ephemeral   []messaging.Event
	accountData []messaging.Event
	summary     *messaging.RoomSummary
	unread      *messaging.UnreadNotifications

	// joined forces the local membership to join when the delta
	// carries no member event for the local user.
	joined bool
}

// roomChanges records what a roomDelta changed, for the notifications
// published after its transaction commits.
type roomChanges struct {
	created          bool
	membershipBefore string
	stateChanged     bool
	flushed          bool
	timeline         []*messaging.Event
	decrypted        []*messaging.Event
	receiptSenders   []ref.UserID
	tagged           bool
	readMarker       bool

	// room is the room row as committed.
	room roomstore.Room
}

// updateRoom applies delta to roomID in partition in one transaction.
// Encrypted timeline events are decrypted before the transaction
// starts.
func (p *Processor) updateRoom(ctx context.Context, partition roomstore.Partition, roomID ref.RoomID, delta roomDelta) (*roomChanges, error) {
	changes := &roomChanges{}
	for i := range delta.state {
		delta.state[i].RoomID = roomID
	}
	for i := range delta.timeline.Events {
		event := &delta.timeline.Events[i]
		event.RoomID = roomID
		if event.Type == ref.EventTypeEncrypted {
			if p.decrypt(ctx, event) {
				changes.decrypted = append(changes.decrypted, event)
			} else {
				p.logger.Debug("undecryptable timeline event",
					"room_id", roomID,
					"event_id", event.EventID,
					"error", event.DecryptionError,
				)
			}
		}
		changes.timeline = append(changes.timeline, event)
	}

	err := p.store.Update(ctx, partition, roomID, func(tx *roomstore.Tx) error {
		return p.applyRoomDelta(tx, delta, changes)
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func (p *Processor) applyRoomDelta(tx *roomstore.Tx, delta roomDelta, changes *roomChanges) error {
	changes.created = tx.Created()
	changes.membershipBefore = tx.Room().Membership
	summary := tx.Summary()

	for i := range delta.state {
		if err := p.putState(tx, delta.state[i]); err != nil {
			return err
		}
		changes.stateChanged = true
	}

	timeline := delta.timeline
	if timeline.Limited {
		if err := tx.ResetTimeline(); err != nil {
			return err
		}
		changes.flushed = !changes.created
		summary.PrevBatch = timeline.PrevBatch
	} else if changes.created {
		summary.PrevBatch = timeline.PrevBatch
	}
	for i := range timeline.Events {
		if timeline.Events[i].IsState() {
			if err := p.putState(tx, timeline.Events[i]); err != nil {
				return err
			}
			changes.stateChanged = true
		}
	}
	if err := tx.AppendTimeline(timeline.Events); err != nil {
		return err
	}

	if delta.joined && tx.Room().Membership != messaging.MembershipJoin {
		tx.SetMembership(messaging.MembershipJoin, tx.Room().MembershipSender)
	}

	if roomSummary := delta.summary; roomSummary != nil {
		if len(roomSummary.Heroes) > 0 {
			summary.Heroes = slices.Clone(roomSummary.Heroes)
		}
		if roomSummary.JoinedMemberCount != nil {
			summary.JoinedMemberCount = *roomSummary.JoinedMemberCount
		}
		if roomSummary.InvitedMemberCount != nil {
			summary.InvitedMemberCount = *roomSummary.InvitedMemberCount
		}
	}
	if unread := delta.unread; unread != nil {
		summary.HighlightCount = unread.HighlightCount
		summary.NotificationCount = unread.NotificationCount
	}

	for i := range delta.ephemeral {
		event := &delta.ephemeral[i]
		if event.Type != ref.EventTypeReceipt {
			continue
		}
		for _, receipt := range parseReceipts(event.Content) {
			if err := tx.PutReceipt(receipt); err != nil {
				return err
			}
			if !slices.Contains(changes.receiptSenders, receipt.UserID) {
				changes.receiptSenders = append(changes.receiptSenders, receipt.UserID)
			}
		}
	}

	for i := range delta.accountData {
		event := &delta.accountData[i]
		switch event.Type {
		case ref.EventTypeTag:
			summary.Tags = parseTags(event.Content)
			changes.tagged = true
		case ref.EventTypeFullyRead:
			eventID, err := ref.ParseEventID(event.ContentString("event_id"))
			if err != nil {
				p.logger.Warn("ignoring malformed read marker", "room_id", tx.RoomID(), "error", err)
				continue
			}
			summary.FullyRead = eventID
			changes.readMarker = true
		}
	}

	changes.room = tx.Room()
	return nil
}

// putState stores a state event and mirrors the parts of it the room
// row keeps: the local membership, the name and the topic.
func (p *Processor) putState(tx *roomstore.Tx, event messaging.Event) error {
	if err := tx.PutState(event); err != nil {
		return err
	}
	switch event.Type {
	case ref.EventTypeMember:
		if event.StateKeyValue() == p.self.String() {
			tx.SetMembership(event.ContentString("membership"), event.Sender)
		}
	case ref.EventTypeName:
		tx.Summary().Name = event.ContentString("name")
	case ref.EventTypeTopic:
		tx.Summary().Topic = event.ContentString("topic")
	}
	return nil
}

// publishRoomChanges publishes the per-room notifications of a
// committed roomDelta. Live events, decryptions and bings are only
// published for deltas after the initial one.
func (p *Processor) publishRoomChanges(roomID ref.RoomID, changes *roomChanges, initial bool) {
	if changes.flushed {
		p.publishRoom("OnRoomFlush", roomID, Observer.OnRoomFlush)
	}
	if !initial {
		for _, event := range changes.decrypted {
			p.bus.publish("OnEventDecrypted", func(ctx context.Context, observer Observer) error {
				return observer.OnEventDecrypted(ctx, event)
			})
		}
		for _, event := range changes.timeline {
			p.bus.publish("OnLiveEvent", func(ctx context.Context, observer Observer) error {
				return observer.OnLiveEvent(ctx, event)
			})
			p.bing(event)
		}
	}
	if changes.stateChanged {
		p.publishRoom("OnRoomInternalUpdate", roomID, Observer.OnRoomInternalUpdate)
	}
	if len(changes.receiptSenders) > 0 {
		senders := changes.receiptSenders
		p.bus.publish("OnReceiptEvent", func(ctx context.Context, observer Observer) error {
			return observer.OnReceiptEvent(ctx, roomID, senders)
		})
	}
	if changes.tagged {
		p.publishRoom("OnRoomTagEvent", roomID, Observer.OnRoomTagEvent)
	}
	if changes.readMarker {
		p.publishRoom("OnReadMarkerEvent", roomID, Observer.OnReadMarkerEvent)
	}
	if !initial && changes.room.Membership == messaging.MembershipJoin && changes.membershipBefore != messaging.MembershipJoin {
		p.publishRoom("OnJoinRoom", roomID, Observer.OnJoinRoom)
	}
}

func (p *Processor) publishRoom(callback string, roomID ref.RoomID, method func(Observer, context.Context, ref.RoomID) error) {
	p.bus.publish(callback, func(ctx context.Context, observer Observer) error {
		return method(observer, ctx, roomID)
	})
}

// bing evaluates a live event against the rule set and publishes
// OnBingEvent when a notifying rule matches. Events from ignored
// users are not evaluated.
func (p *Processor) bing(event *messaging.Event) {
	if p.rules == nil || p.IsIgnored(event.Sender) {
		return
	}
	rule := p.rules.Evaluate(event)
	if rule == nil || !rule.ShouldNotify() {
		return
	}
	matched := *rule
	p.bus.publish("OnBingEvent", func(ctx context.Context, observer Observer) error {
		return observer.OnBingEvent(ctx, event, matched)
	})
}

// applyJoined applies the joined rooms of a delta. A room the user
// rejoins is purged from Departed first.
func (p *Processor) applyJoined(ctx context.Context, rooms map[ref.RoomID]messaging.JoinedRoom, initial bool) error {
	var failed error
	for _, roomID := range sortedRoomIDs(rooms) {
		joined := rooms[roomID]
		if err := p.purgeDeparted(ctx, roomID); err != nil {
			failed = errors.Join(failed, err)
			continue
		}
		changes, err := p.updateRoom(ctx, roomstore.Live, roomID, roomDelta{
			state:       joined.State.Events,
			timeline:    joined.Timeline,
			ephemeral:   joined.Ephemeral.Events,
			accountData: joined.AccountData.Events,
			summary:     &joined.Summary,
			unread:      &joined.UnreadNotifications,
			joined:      true,
		})
		if err != nil {
			p.logger.Error("applying joined room failed", "room_id", roomID, "error", err)
			failed = errors.Join(failed, fmt.Errorf("joined room %s: %w", roomID, err))
			continue
		}
		p.publishRoomChanges(roomID, changes, initial)
		if initial {
			p.publishRoom("OnRoomInitialSyncComplete", roomID, Observer.OnRoomInitialSyncComplete)
		}
	}
	return failed
}

// applyInvited applies the invites of a delta. A room that is also in
// the delta's leave section had its invite issued after the leave, so
// the leave is applied first.
func (p *Processor) applyInvited(ctx context.Context, rooms map[ref.RoomID]messaging.InvitedRoom, left map[ref.RoomID]messaging.LeftRoom, initial bool) error {
	var failed error
	for _, roomID := range sortedRoomIDs(rooms) {
		if leftRoom, ok := left[roomID]; ok {
			if err := p.applyLeave(ctx, roomID, leftRoom, initial); err != nil {
				failed = errors.Join(failed, err)
			}
		}
		if err := p.purgeDeparted(ctx, roomID); err != nil {
			failed = errors.Join(failed, err)
			continue
		}

		invite := rooms[roomID].InviteState.Events
		var changes *roomChanges
		err := p.store.Update(ctx, roomstore.Live, roomID, func(tx *roomstore.Tx) error {
			changes = &roomChanges{created: tx.Created(), membershipBefore: tx.Room().Membership}
			for i := range invite {
				invite[i].RoomID = roomID
				if !invite[i].IsState() {
					continue
				}
				if err := p.putState(tx, invite[i]); err != nil {
					return err
				}
				changes.stateChanged = true
			}
			if tx.Room().Membership != messaging.MembershipInvite {
				tx.SetMembership(messaging.MembershipInvite, inviteSender(invite, p.self))
			}
			changes.room = tx.Room()
			return nil
		})
		if err != nil {
			p.logger.Error("applying invite failed", "room_id", roomID, "error", err)
			failed = errors.Join(failed, fmt.Errorf("invited room %s: %w", roomID, err))
			continue
		}
		if changes.created || changes.membershipBefore != messaging.MembershipInvite {
			p.publishRoom("OnNewRoom", roomID, Observer.OnNewRoom)
		} else if changes.stateChanged {
			p.publishRoom("OnRoomInternalUpdate", roomID, Observer.OnRoomInternalUpdate)
		}
	}
	return failed
}

// applyLeft applies the left rooms of a delta, except those also
// invited, which applyInvited already handled.
func (p *Processor) applyLeft(ctx context.Context, rooms map[ref.RoomID]messaging.LeftRoom, invited map[ref.RoomID]messaging.InvitedRoom, initial bool) error {
	var failed error
	for _, roomID := range sortedRoomIDs(rooms) {
		if _, ok := invited[roomID]; ok {
			continue
		}
		if err := p.applyLeave(ctx, roomID, rooms[roomID], initial); err != nil {
			failed = errors.Join(failed, err)
		}
	}
	return failed
}

// applyLeave applies a left room. A live room receives the delta, so
// its final events reach observers, and is then deleted, or moved to
// Departed when retention is on and the user left voluntarily. An
// unknown room is created in Departed when retention is on.
func (p *Processor) applyLeave(ctx context.Context, roomID ref.RoomID, left messaging.LeftRoom, initial bool) error {
	partition, found, err := p.store.Locate(ctx, roomID)
	if err != nil {
		return fmt.Errorf("left room %s: %w", roomID, err)
	}
	retain := p.AreDepartedRoomsRetained()
	delta := roomDelta{
		state:       left.State.Events,
		timeline:    left.Timeline,
		accountData: left.AccountData.Events,
	}

	switch {
	case found && partition == roomstore.Live:
		changes, err := p.updateRoom(ctx, roomstore.Live, roomID, delta)
		if err != nil {
			p.logger.Error("applying left room failed", "room_id", roomID, "error", err)
			return fmt.Errorf("left room %s: %w", roomID, err)
		}
		p.publishRoomChanges(roomID, changes, initial)

		if retain && p.isVoluntaryLeave(changes.room) {
			err = p.store.Move(ctx, roomID, roomstore.Live, roomstore.Departed)
		} else {
			_, err = p.store.Delete(ctx, roomstore.Live, roomID)
		}
		if err != nil {
			p.logger.Error("removing left room failed", "room_id", roomID, "error", err)
			return fmt.Errorf("left room %s: %w", roomID, err)
		}
		p.logger.Info("left room",
			"room_id", roomID,
			"membership", changes.room.Membership,
			"retained", retain && p.isVoluntaryLeave(changes.room),
		)
		p.publishRoom("OnLeaveRoom", roomID, Observer.OnLeaveRoom)
		return nil

	case found || retain:
		changes, err := p.updateRoom(ctx, roomstore.Departed, roomID, delta)
		if err != nil {
			return fmt.Errorf("departed room %s: %w", roomID, err)
		}
		if changes.created && !p.isVoluntaryLeave(changes.room) {
			if _, err := p.store.Delete(ctx, roomstore.Departed, roomID); err != nil {
				return fmt.Errorf("departed room %s: %w", roomID, err)
			}
		}
		return nil

	default:
		return nil
	}
}

// isVoluntaryLeave reports whether the local user left room on their
// own: membership leave, set by themselves. A kick is a leave set by
// someone else.
func (p *Processor) isVoluntaryLeave(room roomstore.Room) bool {
	if room.Membership != messaging.MembershipLeave {
		return false
	}
	return room.MembershipSender.IsZero() || room.MembershipSender == p.self
}

// purgeDeparted deletes roomID from Departed. A room in Live is left
// alone.
func (p *Processor) purgeDeparted(ctx context.Context, roomID ref.RoomID) error {
	deleted, err := p.store.Delete(ctx, roomstore.Departed, roomID)
	if err != nil && !errors.Is(err, roomstore.ErrWrongPartition) {
		p.logger.Error("purging departed room failed", "room_id", roomID, "error", err)
		return fmt.Errorf("purging departed room %s: %w", roomID, err)
	}
	if deleted {
		p.logger.Debug("purged departed room", "room_id", roomID)
	}
	return nil
}

// inviteSender returns the sender of the local user's member event
// in an invite state, or the zero UserID.
func inviteSender(invite []messaging.Event, self ref.UserID) ref.UserID {
	for i := range invite {
		if invite[i].Type == ref.EventTypeMember && invite[i].StateKeyValue() == self.String() {
			return invite[i].Sender
		}
	}
	return ref.UserID{}
}

// parseReceipts reads an m.receipt content:
// {event_id: {receipt_type: {user_id: {"ts": n}}}}. Malformed entries
// are skipped.
func parseReceipts(content map[string]any) []roomstore.Receipt {
	var receipts []roomstore.Receipt
	for rawEventID, byType := range content {
		eventID, err := ref.ParseEventID(rawEventID)
		if err != nil {
			continue
		}
		types, ok := byType.(map[string]any)
		if !ok {
			continue
		}
		for receiptType, byUser := range types {
			users, ok := byUser.(map[string]any)
			if !ok {
				continue
			}
			for rawUserID, data := range users {
				userID, err := ref.ParseUserID(rawUserID)
				if err != nil {
					continue
				}
				var timestamp int64
				if fields, ok := data.(map[string]any); ok {
					timestamp = toInt64(fields["ts"])
				}
				receipts = append(receipts, roomstore.Receipt{
					UserID:    userID,
					Type:      receiptType,
					EventID:   eventID,
					Timestamp: timestamp,
				})
			}
		}
	}
	slices.SortFunc(receipts, func(a, b roomstore.Receipt) int {
		if c := strings.Compare(a.UserID.String(), b.UserID.String()); c != 0 {
			return c
		}
		return strings.Compare(a.Type, b.Type)
	})
	return receipts
}

// parseTags reads the "tags" object of an m.tag content.
func parseTags(content map[string]any) map[string]map[string]any {
	raw, _ := content["tags"].(map[string]any)
	tags := make(map[string]map[string]any, len(raw))
	for name, value := range raw {
		fields, _ := value.(map[string]any)
		if fields == nil {
			fields = map[string]any{}
		}
		tags[name] = fields
	}
	return tags
}

// toInt64 converts a decoded JSON or CBOR number.
func toInt64(value any) int64 {
	switch number := value.(type) {
	case float64:
		return int64(number)
	case int64:
		return number
	case uint64:
		return int64(number)
	case int:
		return int64(number)
	default:
		return 0
	}
}

func sortedRoomIDs[V any](rooms map[ref.RoomID]V) []ref.RoomID {
	roomIDs := make([]ref.RoomID, 0, len(rooms))
	for roomID := range rooms {
		roomIDs = append(roomIDs, roomID)
	}
	slices.SortFunc(roomIDs, func(a, b ref.RoomID) int {
		return strings.Compare(a.String(), b.String())
	})
	return roomIDs
}
