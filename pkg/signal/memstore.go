package signal

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. It backs single-node deployments where
// every participant daemon runs in the same process, and the test suites.
type MemoryStore struct {
	mu       sync.Mutex
	messages []Message
	subs     map[string][]*memSub
	closed   bool
}

type memSub struct {
	recipient string
	ch        chan Message
	done      chan struct{}
}

// NewMemoryStore creates an empty in-memory mailbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string][]*memSub)}
}

// Send appends the message and notifies the recipient's subscribers. Each
// subscriber receives messages on its own goroutine, in insertion order.
func (s *MemoryStore) Send(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	s.messages = append(s.messages, *msg)
	for _, sub := range s.subs[msg.ToUserID] {
		select {
		case sub.ch <- *msg:
		case <-sub.done:
		}
	}
	return nil
}

// FetchPending returns the recipient's queued messages in creation order.
func (s *MemoryStore) FetchPending(_ context.Context, recipientID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.messages {
		if m.ToUserID == recipientID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete removes the message by ID. Unknown IDs are a no-op.
func (s *MemoryStore) Delete(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.messages {
		if m.ID == messageID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	return nil
}

// Subscribe registers onInsert for the recipient. The callback runs on a
// dedicated goroutine so a slow consumer never blocks Send for other
// recipients.
func (s *MemoryStore) Subscribe(_ context.Context, recipientID string, onInsert func(Message)) (func(), error) {
	sub := &memSub{
		recipient: recipientID,
		ch:        make(chan Message, 64),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	s.subs[recipientID] = append(s.subs[recipientID], sub)
	s.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-sub.ch:
				onInsert(msg)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if s.closed {
				// Close already stopped every subscriber.
				s.mu.Unlock()
				return
			}
			subs := s.subs[recipientID]
			for i, candidate := range subs {
				if candidate == sub {
					s.subs[recipientID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
			close(sub.done)
		})
	}
	return cancel, nil
}

// Close drops all pending messages and cancels all subscriptions.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.messages = nil
	for _, subs := range s.subs {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	s.subs = make(map[string][]*memSub)
}

// Pending reports how many messages are queued for the recipient.
func (s *MemoryStore) Pending(recipientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.ToUserID == recipientID {
			n++
		}
	}
	return n
}
