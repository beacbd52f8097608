package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/lingomesh/lingomesh/pkg/signal"
	"github.com/lingomesh/lingomesh/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := storage.NewSQLiteStorage(":memory:", nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st.SignalRepo())
}

func testMessage(id, from, to string, at time.Time) *signal.Message {
	return &signal.Message{
		ID:         id,
		RoomID:     "room-1",
		FromUserID: from,
		ToUserID:   to,
		Kind:       signal.KindOffer,
		Payload:    []byte(`{"sdp":"x"}`),
		CreatedAt:  at,
	}
}

func TestSendFetchDeleteRoundTrip(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.Send(ctx, testMessage("b", "2", "5", base.Add(time.Second))); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := store.Send(ctx, testMessage("a", "2", "5", base)); err != nil {
		t.Fatalf("send: %v", err)
	}

	pending, err := store.FetchPending(ctx, "5")
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "a" || pending[1].ID != "b" {
		t.Fatalf("pending = %+v, want [a b]", pending)
	}
	if pending[0].FromUserID != "2" || pending[0].Kind != signal.KindOffer {
		t.Errorf("row fields lost in round trip: %+v", pending[0])
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	pending, err = store.FetchPending(ctx, "5")
	if err != nil {
		t.Fatalf("FetchPending after delete: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "b" {
		t.Errorf("pending after delete = %+v, want [b]", pending)
	}
}

func TestSubscribeNotifiesSameProcess(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	got := make(chan signal.Message, 4)
	cancel, err := store.Subscribe(ctx, "5", func(m signal.Message) { got <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := store.Send(ctx, testMessage("m1", "2", "5", time.Now().UTC())); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case m := <-got:
		if m.ID != "m1" {
			t.Errorf("delivered %s, want m1", m.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("no notification within a second")
	}

	// The notified message is also durable until deleted.
	pending, err := store.FetchPending(ctx, "5")
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}
}

func TestSubscribeCancelAfterClose(t *testing.T) {
	store := newTestStore(t)

	cancel, err := store.Subscribe(context.Background(), "5", func(signal.Message) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// An embedding may shut the store down before tearing down its
	// subscribers. The late cancel must be a no-op, not a panic.
	store.Close()
	cancel()
	cancel()
}
