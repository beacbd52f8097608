package signal

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func msg(id, from, to string, kind Kind, at time.Time) *Message {
	return &Message{
		ID:         id,
		RoomID:     "room-1",
		FromUserID: from,
		ToUserID:   to,
		Kind:       kind,
		Payload:    []byte(`{}`),
		CreatedAt:  at,
	}
}

func TestFetchPendingOrderedByCreation(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	base := time.Now().UTC()
	// Insert out of order; fetch must come back by creation time.
	if err := store.Send(ctx, msg("b", "2", "5", KindCandidate, base.Add(time.Second))); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := store.Send(ctx, msg("a", "2", "5", KindOffer, base)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := store.Send(ctx, msg("other", "2", "7", KindOffer, base)); err != nil {
		t.Fatalf("send: %v", err)
	}

	pending, err := store.FetchPending(ctx, "5")
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != "a" || pending[1].ID != "b" {
		t.Errorf("order = [%s %s], want [a b]", pending[0].ID, pending[1].ID)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if err := store.Send(ctx, msg("a", "2", "5", KindOffer, time.Now())); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if err := store.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("delete of unknown id: %v", err)
	}
	if got := store.Pending("5"); got != 0 {
		t.Errorf("pending after delete = %d, want 0", got)
	}
}

func TestSubscribeDeliversOnlyToRecipient(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	got := make(chan Message, 8)
	cancel, err := store.Subscribe(ctx, "5", func(m Message) { got <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := store.Send(ctx, msg("mine", "2", "5", KindOffer, time.Now())); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := store.Send(ctx, msg("not-mine", "2", "7", KindOffer, time.Now())); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case m := <-got:
		if m.ID != "mine" {
			t.Errorf("delivered %s, want mine", m.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("no delivery within a second")
	}
	select {
	case m := <-got:
		t.Errorf("unexpected delivery of %s", m.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	got := make(chan Message, 8)
	cancel, err := store.Subscribe(ctx, "5", func(m Message) { got <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	cancel() // repeat cancel is a no-op

	if err := store.Send(ctx, msg("late", "2", "5", KindOffer, time.Now())); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case m := <-got:
		t.Errorf("delivery after cancel: %s", m.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeCancelAfterClose(t *testing.T) {
	store := NewMemoryStore()

	cancel, err := store.Subscribe(context.Background(), "5", func(Message) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// An embedding may shut the store down before tearing down its
	// subscribers. The late cancel must be a no-op, not a panic.
	store.Close()
	cancel()
	cancel()
}

func TestSendAfterClose(t *testing.T) {
	store := NewMemoryStore()
	store.Close()
	err := store.Send(context.Background(), msg("a", "2", "5", KindOffer, time.Now()))
	if err != ErrStoreClosed {
		t.Errorf("send after close = %v, want ErrStoreClosed", err)
	}
}

func TestSubscribeKeepsOrderPerSender(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	got := make(chan Message, 32)
	cancel, err := store.Subscribe(ctx, "5", func(m Message) { got <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	base := time.Now().UTC()
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("m%d", i)
		if err := store.Send(ctx, msg(id, "2", "5", KindCandidate, base.Add(time.Duration(i)))); err != nil {
			t.Fatalf("send %s: %v", id, err)
		}
	}
	for i := 0; i < 10; i++ {
		select {
		case m := <-got:
			if want := fmt.Sprintf("m%d", i); m.ID != want {
				t.Fatalf("delivery %d = %s, want %s", i, m.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing delivery %d", i)
		}
	}
}
