// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/efchatnet/efthreads/backend/models"
	"github.com/efchatnet/efthreads/backend/storage"
)

func TestMarshalEnvelopes(t *testing.T) {
	got, err := marshalEnvelopes(nil)
	if err != nil || got != nil {
		t.Errorf("marshalEnvelopes(nil) = %v, %v; want nil, nil", got, err)
	}

	got, err = marshalEnvelopes(map[string]models.Envelope{"bob": {IV: []byte{1}, Ciphertext: []byte{2}}})
	if err != nil {
		t.Fatalf("marshalEnvelopes() error = %v", err)
	}
	if _, ok := got.(string); !ok {
		t.Errorf("marshalEnvelopes() returned %T, want string", got)
	}
}

// newTestStore connects to DATABASE_URL. Every test works on fresh uuids
// so runs against a shared database do not collide.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return store
}

func newThread(t *testing.T, s *Store, kind models.ThreadKind, members ...string) models.Thread {
	t.Helper()
	now := time.Now().UTC()
	thread := models.Thread{
		ID:        uuid.NewString(),
		Kind:      kind,
		CreatedBy: members[0],
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateThread(context.Background(), thread, members); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	return thread
}

func TestPublicKeyVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := "user-" + uuid.NewString()

	if _, err := s.GetCurrentPublicKey(ctx, user); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetCurrentPublicKey() error = %v, want ErrNotFound", err)
	}

	for i := 1; i <= 3; i++ {
		id, err := s.AppendPublicKey(ctx, user, []byte{byte(i)})
		if err != nil {
			t.Fatalf("AppendPublicKey() error = %v", err)
		}
		if id.KeyVersion != i {
			t.Errorf("KeyVersion = %d, want %d", id.KeyVersion, i)
		}
	}

	current, err := s.GetCurrentPublicKey(ctx, user)
	if err != nil {
		t.Fatalf("GetCurrentPublicKey() error = %v", err)
	}
	if current.KeyVersion != 3 || current.PublicKey[0] != 3 {
		t.Errorf("current = v%d %v, want v3 [3]", current.KeyVersion, current.PublicKey)
	}
}

func TestParticipantsAndReadMarker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice, bob := "alice-"+uuid.NewString(), "bob-"+uuid.NewString()
	thread := newThread(t, s, models.ThreadKindGroup, alice, bob, alice)

	participants, err := s.ListParticipants(ctx, thread.ID)
	if err != nil {
		t.Fatalf("ListParticipants() error = %v", err)
	}
	if len(participants) != 2 || participants[0].UserID != alice || participants[1].UserID != bob {
		t.Errorf("participants = %+v, want [alice bob]", participants)
	}

	later := time.Now().UTC().Add(time.Minute)
	if err := s.MarkRead(ctx, thread.ID, bob, later); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if err := s.MarkRead(ctx, thread.ID, bob, later.Add(-time.Hour)); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	participants, _ = s.ListParticipants(ctx, thread.ID)
	if got := participants[1].LastReadAt; got == nil || !got.Equal(later.Truncate(time.Microsecond)) {
		t.Errorf("LastReadAt = %v, want %v", got, later)
	}

	if err := s.MarkRead(ctx, thread.ID, "stranger", later); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("MarkRead() for non-member error = %v, want ErrNotFound", err)
	}
}

func TestAppendAndListMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := "alice-" + uuid.NewString()
	thread := newThread(t, s, models.ThreadKindGroup, alice)

	plain := models.Message{ID: uuid.NewString(), ThreadID: thread.ID, SenderID: alice, PlaintextFallback: "hi"}
	sealed := models.Message{
		ID:                uuid.NewString(),
		ThreadID:          thread.ID,
		SenderID:          alice,
		PlaintextFallback: models.EncryptedPlaceholder,
		EnvelopeMap:       map[string]models.Envelope{alice: {IV: []byte{1, 2}, Ciphertext: []byte{3, 4}}},
	}
	for _, m := range []models.Message{plain, sealed} {
		if _, err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}
	if _, err := s.AppendMessage(ctx, plain); !errors.Is(err, storage.ErrDuplicateMessage) {
		t.Errorf("duplicate AppendMessage() error = %v, want ErrDuplicateMessage", err)
	}
	missing := plain
	missing.ID, missing.ThreadID = uuid.NewString(), uuid.NewString()
	if _, err := s.AppendMessage(ctx, missing); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("AppendMessage() to unknown thread error = %v, want ErrNotFound", err)
	}

	msgs, err := s.ListMessages(ctx, thread.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].EnvelopeMap != nil {
		t.Errorf("plaintext message EnvelopeMap = %v, want nil", msgs[0].EnvelopeMap)
	}
	if env := msgs[1].EnvelopeMap[alice]; string(env.Ciphertext) != string([]byte{3, 4}) {
		t.Errorf("envelope = %+v", env)
	}

	page, err := s.ListMessages(ctx, thread.ID, msgs[0].Seq, 1)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(page) != 1 || page[0].ID != sealed.ID {
		t.Errorf("page = %+v, want the sealed message", page)
	}
}

func TestConcurrentAppendsKeepOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := "alice-" + uuid.NewString()
	thread := newThread(t, s, models.ThreadKindBroadcast, alice)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, models.Message{
				ID: uuid.NewString(), ThreadID: thread.ID, SenderID: alice, PlaintextFallback: "x",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, thread.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("len(msgs) = %d, want 10", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Seq <= msgs[i-1].Seq {
			t.Errorf("seq not increasing at %d: %d after %d", i, msgs[i].Seq, msgs[i-1].Seq)
		}
	}
}
