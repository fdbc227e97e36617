// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
)

func TestSQLiteHistoryPersistsAcrossFactories(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := OpenSQLiteHistory(path, nil)
	if err != nil {
		t.Fatalf("OpenSQLiteHistory: %v", err)
	}
	factory := NewFactory(FactoryOptions{MaxHistory: 2, Store: store})
	room, err := factory.Room(ctx, "Lobby")
	if err != nil {
		t.Fatalf("Room: %v", err)
	}
	for _, text := range []string{"a", "b", "c"} {
		if err := room.SendMessage(ctx, text); err != nil {
			t.Fatalf("SendMessage(%q): %v", text, err)
		}
	}
	other, err := factory.Room(ctx, "Other")
	if err != nil {
		t.Fatalf("Room: %v", err)
	}
	if err := other.SendMessage(ctx, "elsewhere"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenSQLiteHistory(path, nil)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	stored, err := reopened.Load(ctx, "Lobby")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !slices.Equal(stored, []string{"b", "c"}) {
		t.Errorf("stored Lobby history = %v, want [b c]", stored)
	}

	restarted := NewFactory(FactoryOptions{Store: reopened})
	lobby, err := restarted.Room(ctx, "Lobby")
	if err != nil {
		t.Fatalf("Room after restart: %v", err)
	}
	history, _ := lobby.History(ctx)
	if !slices.Equal(history, []string{"b", "c"}) {
		t.Errorf("history after restart = %v, want [b c]", history)
	}
}

type failingStore struct{ err error }

func (s failingStore) Load(context.Context, string) ([]string, error) { return nil, nil }

func (s failingStore) Append(context.Context, string, string, int) error { return s.err }

func TestSendMessageStoreFailure(t *testing.T) {
	ctx := context.Background()
	diskFull := errors.New("disk full")
	factory := NewFactory(FactoryOptions{Store: failingStore{err: diskFull}})
	room, err := factory.Room(ctx, "Lobby")
	if err != nil {
		t.Fatalf("Room: %v", err)
	}

	notified := make(chan string, 1)
	if err := room.Subscribe(ctx, ListenerFunc(func(_ context.Context, _, text string) error {
		notified <- text
		return nil
	})); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := room.SendMessage(ctx, "lost"); !errors.Is(err, diskFull) {
		t.Fatalf("SendMessage = %v, want %v", err, diskFull)
	}
	room.WaitNotifications()
	if history, _ := room.History(ctx); len(history) != 0 {
		t.Errorf("history = %v, want empty", history)
	}
	select {
	case text := <-notified:
		t.Errorf("listener notified of %q after a failed store", text)
	default:
	}
}
