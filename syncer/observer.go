// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/syncengine/lib/dispatch"
	"github.com/bureau-foundation/syncengine/lib/pushrule"
	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/lib/roomstore"
	"github.com/bureau-foundation/syncengine/messaging"
)

// Observer receives the processor's change notifications. Every
// method runs on the processor's dispatch goroutine, one call at a
// time, never concurrently with delta application. A returned error
// is logged and counted; it does not stop delivery to other
// observers.
//
// Events handed to an observer are owned by the processor and must
// not be modified.
//
// Embed BaseObserver to implement only the methods of interest.
type Observer interface {
	// OnStoreReady runs once, after Open has loaded the cached state.
	OnStoreReady(ctx context.Context) error

	// OnAccountInfoUpdate reports a change to the local account's
	// display name or avatar.
	OnAccountInfoUpdate(ctx context.Context, profile Profile) error

	// OnPresenceUpdate reports a presence event as stored.
	OnPresenceUpdate(ctx context.Context, user roomstore.User) error

	// OnIgnoredUsersListUpdate reports the new ignored-user list.
	OnIgnoredUsersListUpdate(ctx context.Context, ignored []ref.UserID) error

	// OnDirectChatsUpdate reports the new direct-chat map.
	OnDirectChatsUpdate(ctx context.Context, direct map[ref.UserID][]ref.RoomID) error

	// OnLiveEvent reports a timeline event of a live delta.
	OnLiveEvent(ctx context.Context, event *messaging.Event) error

	// OnBingEvent reports a live event that a notifying rule matched.
	OnBingEvent(ctx context.Context, event *messaging.Event, rule pushrule.Rule) error

	// OnEventEncrypted, OnSentEvent and OnFailedSendingEvent relay
	// reports from the send path. See Processor.NotifySentEvent.
	OnEventEncrypted(ctx context.Context, event *messaging.Event) error
	OnSentEvent(ctx context.Context, event *messaging.Event) error
	OnFailedSendingEvent(ctx context.Context, event *messaging.Event) error

	// OnEventDecrypted reports a timeline event whose decryption
	// succeeded. event.Decrypted holds the clear event.
	OnEventDecrypted(ctx context.Context, event *messaging.Event) error

	// OnRuleSetUpdate reports a replaced or mutated push rule set.
	OnRuleSetUpdate(ctx context.Context, rules pushrule.Set) error

	// OnInitialSyncComplete runs once the first delta has been
	// applied, and immediately for observers subscribed after that.
	OnInitialSyncComplete(ctx context.Context, token string) error

	// OnLiveEventsChunkProcessed runs after each later delta.
	OnLiveEventsChunkProcessed(ctx context.Context, from, to string) error

	// OnCryptoSyncComplete runs after the crypto subsystem started.
	OnCryptoSyncComplete(ctx context.Context) error

	OnNewRoom(ctx context.Context, roomID ref.RoomID) error
	OnJoinRoom(ctx context.Context, roomID ref.RoomID) error
	OnLeaveRoom(ctx context.Context, roomID ref.RoomID) error

	// OnRoomFlush reports a limited timeline: the stored timeline was
	// discarded and restarted from the delta's events.
	OnRoomFlush(ctx context.Context, roomID ref.RoomID) error

	OnRoomInitialSyncComplete(ctx context.Context, roomID ref.RoomID) error

	// OnRoomInternalUpdate reports a change to a room's state.
	OnRoomInternalUpdate(ctx context.Context, roomID ref.RoomID) error

	// OnReceiptEvent reports the users whose receipts changed.
	OnReceiptEvent(ctx context.Context, roomID ref.RoomID, senders []ref.UserID) error

	OnRoomTagEvent(ctx context.Context, roomID ref.RoomID) error
	OnReadMarkerEvent(ctx context.Context, roomID ref.RoomID) error

	// OnToDeviceEvent reports a to-device event. An event that could
	// not be decrypted carries DecryptionError.
	OnToDeviceEvent(ctx context.Context, event *messaging.Event) error
}

// Profile is the local account's display name and avatar.
type Profile struct {
	UserID      ref.UserID
	DisplayName string
	AvatarURL   string
}

// BaseObserver implements every Observer method as a no-op.
type BaseObserver struct{}

func (BaseObserver) OnStoreReady(context.Context) error {
	return nil
}

func (BaseObserver) OnAccountInfoUpdate(context.Context, Profile) error {
	return nil
}

func (BaseObserver) OnPresenceUpdate(context.Context, roomstore.User) error {
	return nil
}

func (BaseObserver) OnIgnoredUsersListUpdate(context.Context, []ref.UserID) error {
	return nil
}

func (BaseObserver) OnDirectChatsUpdate(context.Context, map[ref.UserID][]ref.RoomID) error {
	return nil
}

func (BaseObserver) OnLiveEvent(context.Context, *messaging.Event) error {
	return nil
}

func (BaseObserver) OnBingEvent(context.Context, *messaging.Event, pushrule.Rule) error {
	return nil
}

func (BaseObserver) OnEventEncrypted(context.Context, *messaging.Event) error {
	return nil
}

func (BaseObserver) OnSentEvent(context.Context, *messaging.Event) error {
	return nil
}

func (BaseObserver) OnFailedSendingEvent(context.Context, *messaging.Event) error {
	return nil
}

func (BaseObserver) OnEventDecrypted(context.Context, *messaging.Event) error {
	return nil
}

func (BaseObserver) OnRuleSetUpdate(context.Context, pushrule.Set) error {
	return nil
}

func (BaseObserver) OnInitialSyncComplete(context.Context, string) error {
	return nil
}

func (BaseObserver) OnLiveEventsChunkProcessed(context.Context, string, string) error {
	return nil
}

func (BaseObserver) OnCryptoSyncComplete(context.Context) error {
	return nil
}

func (BaseObserver) OnNewRoom(context.Context, ref.RoomID) error {
	return nil
}

func (BaseObserver) OnJoinRoom(context.Context, ref.RoomID) error {
	return nil
}

func (BaseObserver) OnLeaveRoom(context.Context, ref.RoomID) error {
	return nil
}

func (BaseObserver) OnRoomFlush(context.Context, ref.RoomID) error {
	return nil
}

func (BaseObserver) OnRoomInitialSyncComplete(context.Context, ref.RoomID) error {
	return nil
}

func (BaseObserver) OnRoomInternalUpdate(context.Context, ref.RoomID) error {
	return nil
}

func (BaseObserver) OnReceiptEvent(context.Context, ref.RoomID, []ref.UserID) error {
	return nil
}

func (BaseObserver) OnRoomTagEvent(context.Context, ref.RoomID) error {
	return nil
}

func (BaseObserver) OnReadMarkerEvent(context.Context, ref.RoomID) error {
	return nil
}

func (BaseObserver) OnToDeviceEvent(context.Context, *messaging.Event) error {
	return nil
}

// Subscription is the handle returned by Processor.Subscribe.
type Subscription struct {
	bus      *bus
	observer Observer
	removed  atomic.Bool
}

// Remove stops delivery to the observer. Notifications already
// running are not interrupted; notifications not yet started are
// skipped. Remove is idempotent and safe to call from a callback.
func (s *Subscription) Remove() {
	if s.removed.Swap(true) {
		return
	}
	s.bus.remove(s)
}

// bus fans notifications out to subscribers on a dispatcher.
type bus struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	metrics    *processorMetrics

	mu            sync.Mutex
	subscriptions []*Subscription

	// initialToken is set once OnInitialSyncComplete has been
	// published, for replay to late subscribers.
	initialDone  bool
	initialToken string
}

func newBus(logger *slog.Logger, metrics *processorMetrics) *bus {
	return &bus{
		dispatcher: dispatch.New(logger),
		logger:     logger,
		metrics:    metrics,
	}
}

func (b *bus) subscribe(observer Observer) *Subscription {
	subscription := &Subscription{bus: b, observer: observer}
	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, subscription)
	replay, token := b.initialDone, b.initialToken
	b.mu.Unlock()

	if replay {
		b.dispatcher.Post(func(ctx context.Context) {
			b.deliver(ctx, subscription, "OnInitialSyncComplete", func(observer Observer) error {
				return observer.OnInitialSyncComplete(ctx, token)
			})
		})
	}
	return subscription
}

func (b *bus) remove(subscription *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, candidate := range b.subscriptions {
		if candidate == subscription {
			b.subscriptions = append(b.subscriptions[:i:i], b.subscriptions[i+1:]...)
			return
		}
	}
}

func (b *bus) removeAll() {
	b.mu.Lock()
	subscriptions := b.subscriptions
	b.subscriptions = nil
	b.mu.Unlock()
	for _, subscription := range subscriptions {
		subscription.removed.Store(true)
	}
}

func (b *bus) snapshot() []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Subscription(nil), b.subscriptions...)
}

// publish queues one notification for every subscriber. The
// subscriber list is read when the notification runs, so an observer
// removed in the meantime is skipped.
func (b *bus) publish(callback string, call func(ctx context.Context, observer Observer) error) {
	b.dispatcher.Post(func(ctx context.Context) {
		for _, subscription := range b.snapshot() {
			b.deliver(ctx, subscription, callback, func(observer Observer) error {
				return call(ctx, observer)
			})
		}
	})
}

// publishInitialSyncComplete records the initial token for replay
// and publishes OnInitialSyncComplete. The recipients are fixed when
// the token is recorded: anyone subscribing later gets the replay
// posted by subscribe instead.
func (b *bus) publishInitialSyncComplete(token string) {
	b.mu.Lock()
	b.initialDone = true
	b.initialToken = token
	recipients := append([]*Subscription(nil), b.subscriptions...)
	b.mu.Unlock()

	b.dispatcher.Post(func(ctx context.Context) {
		for _, subscription := range recipients {
			b.deliver(ctx, subscription, "OnInitialSyncComplete", func(observer Observer) error {
				return observer.OnInitialSyncComplete(ctx, token)
			})
		}
	})
}

func (b *bus) markInitialDone(token string) {
	b.mu.Lock()
	b.initialDone = true
	b.initialToken = token
	b.mu.Unlock()
}

func (b *bus) isInitialDone() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialDone
}

// deliver runs one callback for one subscriber, turning a panic into
// an error.
func (b *bus) deliver(ctx context.Context, subscription *Subscription, callback string, call func(Observer) error) {
	if subscription.removed.Load() {
		return
	}
	err := func() (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("panic: %v", recovered)
			}
		}()
		return call(subscription.observer)
	}()
	if err != nil {
		b.metrics.observerFailed(callback)
		b.logger.Error("observer callback failed",
			"callback", callback,
			"observer", fmt.Sprintf("%T", subscription.observer),
			"error", err,
		)
	}
}

func (b *bus) close() {
	b.removeAll()
	b.dispatcher.Close()
}
