// Package sqlitestore persists the signaling mailbox in the embedded SQLite
// database. SQLite has no change feed, so Subscribe is served by an
// in-process notifier: Send notifies subscribers living in the same daemon.
// That covers single-node deployments and development rooms; multi-node
// rooms use the relay or Redis backend instead.
package sqlitestore

import (
	"context"
	"sync"

	"github.com/lingomesh/lingomesh/pkg/signal"
	"github.com/lingomesh/lingomesh/pkg/storage/models"
	"github.com/lingomesh/lingomesh/pkg/storage/repositories"
)

// Store implements signal.Store on top of the SignalRepository.
type Store struct {
	repo *repositories.SignalRepository

	mu     sync.Mutex
	subs   map[string][]*subscriber
	closed bool
}

type subscriber struct {
	ch   chan signal.Message
	done chan struct{}
}

// New creates a mailbox store backed by the given repository.
func New(repo *repositories.SignalRepository) *Store {
	return &Store{
		repo: repo,
		subs: make(map[string][]*subscriber),
	}
}

// Send inserts the message and wakes the recipient's subscribers.
func (s *Store) Send(_ context.Context, msg *signal.Message) error {
	if err := s.repo.Insert(toRow(msg)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return signal.ErrStoreClosed
	}
	for _, sub := range s.subs[msg.ToUserID] {
		select {
		case sub.ch <- *msg:
		case <-sub.done:
		}
	}
	return nil
}

// FetchPending returns the recipient's queued messages, oldest first.
func (s *Store) FetchPending(_ context.Context, recipientID string) ([]signal.Message, error) {
	rows, err := s.repo.PendingFor(recipientID)
	if err != nil {
		return nil, err
	}

	msgs := make([]signal.Message, 0, len(rows))
	for i := range rows {
		msgs = append(msgs, fromRow(&rows[i]))
	}
	return msgs, nil
}

// Delete removes a processed message.
func (s *Store) Delete(_ context.Context, messageID string) error {
	return s.repo.Delete(messageID)
}

// Subscribe registers onInsert for messages sent to recipientID from this
// process. Callbacks are delivered in insertion order on a dedicated
// goroutine.
func (s *Store) Subscribe(_ context.Context, recipientID string, onInsert func(signal.Message)) (func(), error) {
	sub := &subscriber{
		ch:   make(chan signal.Message, 64),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, signal.ErrStoreClosed
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

// Close cancels all subscriptions. Queued rows stay in the database.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, subs := range s.subs {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	s.subs = make(map[string][]*subscriber)
}

func toRow(msg *signal.Message) *models.SignalMessage {
	return &models.SignalMessage{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		FromUserID: msg.FromUserID,
		ToUserID:   msg.ToUserID,
		Kind:       string(msg.Kind),
		Payload:    msg.Payload,
		CreatedAt:  msg.CreatedAt,
	}
}

func fromRow(row *models.SignalMessage) signal.Message {
	return signal.Message{
		ID:         row.ID,
		RoomID:     row.RoomID,
		FromUserID: row.FromUserID,
		ToUserID:   row.ToUserID,
		Kind:       signal.Kind(row.Kind),
		Payload:    row.Payload,
		CreatedAt:  row.CreatedAt,
	}
}
