// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/bureau-foundation/vatrpc/vat"
)

// DefaultNotifyTimeout bounds one on_message delivery.
const DefaultNotifyTimeout = 10 * time.Second

// FactoryOptions configures a Factory.
type FactoryOptions struct {
	// Logger defaults to discarding output.
	Logger *slog.Logger

	// MaxHistory caps the messages a room keeps, dropping the oldest.
	// Zero keeps everything.
	MaxHistory int

	// NotifyTimeout defaults to DefaultNotifyTimeout.
	NotifyTimeout time.Duration

	// Store persists history. Nil keeps history in memory only.
	Store HistoryStore
}

// Factory is the hosted RoomFactory. Rooms live as long as the
// factory.
type Factory struct {
	logger        *slog.Logger
	maxHistory    int
	notifyTimeout time.Duration
	store         HistoryStore

	mu    sync.Mutex
	rooms map[string]*Room

	capability *vat.LocalCapability
}

var _ RoomFactory = (*Factory)(nil)

// NewFactory creates a factory with no rooms.
func NewFactory(options FactoryOptions) *Factory {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	notifyTimeout := options.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = DefaultNotifyTimeout
	}
	factory := &Factory{
		logger:        logger,
		maxHistory:    options.MaxHistory,
		notifyTimeout: notifyTimeout,
		store:         options.Store,
		rooms:         make(map[string]*Room),
	}
	factory.capability = vat.NewLocal(RoomFactoryInterface, factory)
	return factory
}

// Capability returns the factory as a capability, suitable for
// vat.SetBootstrap. Always the same pointer.
func (f *Factory) Capability() *vat.LocalCapability { return f.capability }

// Room returns the room called name, creating it on first use. A new
// room starts with the history held by the factory's store.
func (f *Factory) Room(ctx context.Context, name string) (*Room, error) {
	if name == "" {
		return nil, errors.New("room name is empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok := f.rooms[name]; ok {
		return room, nil
	}
	room := &Room{
		name:          name,
		logger:        f.logger.With("room", name),
		maxHistory:    f.maxHistory,
		notifyTimeout: f.notifyTimeout,
		store:         f.store,
	}
	if f.store != nil {
		history, err := f.store.Load(ctx, name)
		if err != nil {
			return nil, err
		}
		room.history = trimHistory(history, f.maxHistory)
	}
	room.listeners = make(map[uint64]Listener)
	room.capability = vat.NewLocal(RoomInterface, room)
	f.rooms[name] = room
	f.logger.Info("room opened", "room", name, "messages", len(room.history))
	return room, nil
}

// CreateRoom implements RoomFactory for callers in the hosting
// process.
func (f *Factory) CreateRoom(ctx context.Context, name string) (RoomHandle, error) {
	return f.Room(ctx, name)
}

// RoomNames lists the rooms created so far.
func (f *Factory) RoomNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.rooms))
	for name := range f.rooms {
		names = append(names, name)
	}
	return names
}

// Room is a hosted chat room.
type Room struct {
	name          string
	logger        *slog.Logger
	maxHistory    int
	notifyTimeout time.Duration
	store         HistoryStore
	capability    *vat.LocalCapability

	mu             sync.Mutex
	history        []string
	nextListenerID uint64
	listeners      map[uint64]Listener

	// notifications tracks delivery goroutines so tests and shutdown
	// can wait for them.
	notifications sync.WaitGroup
}

var _ RoomHandle = (*Room)(nil)

// Name returns the room's name.
func (r *Room) Name() string { return r.name }

// Capability returns the room as a capability. Always the same
// pointer, so a room handed out twice over one connection keeps one
// export id.
func (r *Room) Capability() *vat.LocalCapability { return r.capability }

// SendMessage appends text to the history and notifies every
// listener. It does not wait for the notifications. When the store
// refuses the message, the history is unchanged and nobody is
// notified.
func (r *Room) SendMessage(ctx context.Context, text string) error {
	r.mu.Lock()
	if r.store != nil {
		if err := r.store.Append(ctx, r.name, text, r.maxHistory); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.history = trimHistory(append(r.history, text), r.maxHistory)
	listeners := maps.Clone(r.listeners)
	r.mu.Unlock()

	r.logger.Debug("message sent", "listeners", len(listeners))
	for id, listener := range listeners {
		r.notifications.Add(1)
		go r.notify(id, listener, text)
	}
	return nil
}

// notify delivers one message. A listener whose connection has gone
// away is unsubscribed.
func (r *Room) notify(id uint64, listener Listener, text string) {
	defer r.notifications.Done()
	ctx, cancel := context.WithTimeout(context.Background(), r.notifyTimeout)
	defer cancel()

	err := listener.OnMessage(ctx, r.name, text)
	if err == nil {
		return
	}
	if errors.Is(err, vat.ErrConnClosed) {
		r.logger.Info("dropping listener on closed connection", "listener", id, "error", err)
		r.unsubscribe(id)
		return
	}
	r.logger.Warn("listener failed", "listener", id, "error", err)
}

// WaitNotifications blocks until every notification started so far
// has finished.
func (r *Room) WaitNotifications() { r.notifications.Wait() }

// History returns a copy of the messages in send order.
func (r *Room) History(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.history...), nil
}

// Subscribe adds listener. Subscribing the same listener twice
// delivers every message twice.
func (r *Room) Subscribe(ctx context.Context, listener Listener) error {
	if listener == nil {
		return fmt.Errorf("room %s: nil listener", r.name)
	}
	r.mu.Lock()
	id := r.nextListenerID
	r.nextListenerID++
	r.listeners[id] = listener
	count := len(r.listeners)
	r.mu.Unlock()
	r.logger.Debug("listener subscribed", "listener", id, "listeners", count)
	return nil
}

// trimHistory keeps the newest limit messages. Zero keeps all.
func trimHistory(history []string, limit int) []string {
	if limit > 0 && len(history) > limit {
		return append([]string(nil), history[len(history)-limit:]...)
	}
	return history
}

func (r *Room) unsubscribe(id uint64) {
	r.mu.Lock()
	delete(r.listeners, id)
	r.mu.Unlock()
}

// ListenerCount returns the number of subscribed listeners.
func (r *Room) ListenerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}
