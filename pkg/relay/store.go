package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lingomesh/lingomesh/pkg/signal"
)

// pendingReply is the server's answer to a fetch-pending request.
type pendingReply struct {
	RequestID string           `json:"requestId"`
	Messages  []signal.Message `json:"messages"`
}

type ackFrame struct {
	MessageID string `json:"messageId"`
}

// Store implements signal.Store over the relay connection. The relay server
// owns the durable mailbox; this side sends, replays and acknowledges.
type Store struct {
	client *Client

	mu          sync.Mutex
	subscribers map[string][]*relaySub
}

type relaySub struct {
	onInsert func(signal.Message)
}

// NewStore wraps a connected (or connecting) relay client. The signal frame
// handler is installed once, here.
func NewStore(client *Client) *Store {
	s := &Store{
		client:      client,
		subscribers: make(map[string][]*relaySub),
	}
	client.SetFrameHandler(TypeSignal, s.handleSignalFrame)
	return s
}

func (s *Store) handleSignalFrame(_ context.Context, env *Envelope) error {
	var msg signal.Message
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return fmt.Errorf("malformed signal frame: %w", err)
	}

	s.mu.Lock()
	subs := append([]*relaySub(nil), s.subscribers[msg.ToUserID]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.onInsert(msg)
	}
	return nil
}

// Send hands the message to the relay, which stores it until the recipient
// acknowledges.
func (s *Store) Send(_ context.Context, msg *signal.Message) error {
	return s.client.SendFrame(TypeSignal, msg.ToUserID, msg)
}

// FetchPending asks the relay for the recipient's queued mailbox.
func (s *Store) FetchPending(ctx context.Context, recipientID string) ([]signal.Message, error) {
	raw, err := s.client.Request(ctx, TypeFetchPending, map[string]any{
		"recipient": recipientID,
	})
	if err != nil {
		return nil, err
	}

	var reply pendingReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("malformed pending reply: %w", err)
	}
	return reply.Messages, nil
}

// Delete acknowledges a processed message so the relay drops it. Losing the
// ack to a disconnect only means a redelivery, so it goes out best-effort.
func (s *Store) Delete(_ context.Context, messageID string) error {
	select {
	case s.client.OutboundChannel() <- &OutboundFrame{Type: TypeAck, Data: ackFrame{MessageID: messageID}}:
		return nil
	default:
		return s.client.SendFrame(TypeAck, "", ackFrame{MessageID: messageID})
	}
}

// Subscribe registers onInsert for live signal frames addressed to the
// recipient.
func (s *Store) Subscribe(_ context.Context, recipientID string, onInsert func(signal.Message)) (func(), error) {
	sub := &relaySub{onInsert: onInsert}
	s.mu.Lock()
	s.subscribers[recipientID] = append(s.subscribers[recipientID], sub)
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			subs := s.subscribers[recipientID]
			for i, candidate := range subs {
				if candidate == sub {
					s.subscribers[recipientID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
		})
	}
	return cancel, nil
}

// OnParticipantJoined registers a handler for membership join frames.
func (s *Store) OnParticipantJoined(fn func(Participant)) {
	s.client.SetFrameHandler(TypeParticipantJoined, func(_ context.Context, env *Envelope) error {
		var p Participant
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("malformed participant frame: %w", err)
		}
		fn(p)
		return nil
	})
}

// OnParticipantLeft registers a handler for membership leave frames.
func (s *Store) OnParticipantLeft(fn func(userID string)) {
	s.client.SetFrameHandler(TypeParticipantLeft, func(_ context.Context, env *Envelope) error {
		var p Participant
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("malformed participant frame: %w", err)
		}
		fn(p.UserID)
		return nil
	})
}

// OnParticipants registers a handler for the full roster snapshot the relay
// pushes after every (re)connect.
func (s *Store) OnParticipants(fn func([]Participant)) {
	s.client.SetFrameHandler(TypeParticipants, func(_ context.Context, env *Envelope) error {
		var roster []Participant
		if err := json.Unmarshal(env.Data, &roster); err != nil {
			return fmt.Errorf("malformed roster frame: %w", err)
		}
		fn(roster)
		return nil
	})
}

// RequestTURNCredentials asks the relay for short-lived TURN credentials.
func (s *Store) RequestTURNCredentials(ctx context.Context) (*TURNCredentials, error) {
	raw, err := s.client.Request(ctx, TypeTURNRequest, nil)
	if err != nil {
		return nil, err
	}

	var reply struct {
		RequestID   string          `json:"requestId"`
		Credentials TURNCredentials `json:"credentials"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("malformed credentials reply: %w", err)
	}
	return &reply.Credentials, nil
}

// Close closes the underlying relay connection.
func (s *Store) Close() {
	s.client.Close()
}
