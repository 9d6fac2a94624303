// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/callbridge/lib/ref"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(path, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func TestPutGetDelete(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "rooms.db"))
	defer store.Close()
	ctx := context.Background()

	room := ref.MustParseRoomID("!dm:example.org")
	pairing := Pairing{
		RoomID:         room,
		ConferenceUser: ref.MustParseUserID("@conf_abc:example.org"),
		Inviter:        ref.MustParseUserID("@alice:example.org"),
		CreatedAt:      time.UnixMilli(1_700_000_000_000),
	}
	if err := store.Put(ctx, pairing); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, found, err := store.Get(ctx, room)
	if err != nil || !found {
		t.Fatalf("Get = %v, %v", found, err)
	}
	if got.ConferenceUser != pairing.ConferenceUser || got.Inviter != pairing.Inviter || !got.CreatedAt.Equal(pairing.CreatedAt) {
		t.Fatalf("Get = %+v, want %+v", got, pairing)
	}

	if err := store.Delete(ctx, room); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, err := store.Get(ctx, room); err != nil || found {
		t.Fatalf("Get after Delete = %v, %v", found, err)
	}
	if err := store.Delete(ctx, room); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestPutReplaces(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "rooms.db"))
	defer store.Close()
	ctx := context.Background()

	room := ref.MustParseRoomID("!dm:example.org")
	for _, user := range []string{"@conf_one:example.org", "@conf_two:example.org"} {
		err := store.Put(ctx, Pairing{RoomID: room, ConferenceUser: ref.MustParseUserID(user)})
		if err != nil {
			t.Fatalf("Put(%s): %v", user, err)
		}
	}

	got, _, err := store.Get(ctx, room)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ConferenceUser.String() != "@conf_two:example.org" {
		t.Fatalf("ConferenceUser = %s, want the later pairing", got.ConferenceUser)
	}
	if !got.Inviter.IsZero() {
		t.Fatalf("Inviter = %s, want zero", got.Inviter)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("CreatedAt was not defaulted")
	}
	if count, err := store.Count(ctx); err != nil || count != 1 {
		t.Fatalf("Count = %d, %v; want 1", count, err)
	}
}

func TestPutRejectsIncompletePairing(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "rooms.db"))
	defer store.Close()

	if err := store.Put(context.Background(), Pairing{RoomID: ref.MustParseRoomID("!dm:example.org")}); err == nil {
		t.Fatal("Put accepted a pairing without a conference user")
	}
}

func TestPairingsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rooms.db")
	ctx := context.Background()
	room := ref.MustParseRoomID("!dm:example.org")

	store := openTestStore(t, path)
	if err := store.Put(ctx, Pairing{RoomID: room, ConferenceUser: ref.MustParseUserID("@conf_abc:example.org")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTestStore(t, path)
	defer reopened.Close()
	if _, found, err := reopened.Get(ctx, room); err != nil || !found {
		t.Fatalf("Get after reopen = %v, %v", found, err)
	}
}

func TestConcurrentPuts(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "rooms.db"))
	defer store.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for index := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			room := ref.MustParseRoomID("!room" + string(rune('a'+index)) + ":example.org")
			if err := store.Put(ctx, Pairing{RoomID: room, ConferenceUser: ref.MustParseUserID("@conf_x:example.org")}); err != nil {
				t.Errorf("Put: %v", err)
			}
		}()
	}
	wg.Wait()

	if count, err := store.Count(ctx); err != nil || count != 16 {
		t.Fatalf("Count = %d, %v; want 16", count, err)
	}
}
