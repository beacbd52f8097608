package signal

import (
	"context"
	"encoding/json"
	"time"
)

// Kind identifies the type of a signaling message.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
)

// Message is one signaling message in a recipient's mailbox. Payload is an
// opaque description or candidate blob produced and consumed by the transport
// layer; the store never inspects it.
type Message struct {
	ID         string          `json:"id"`
	RoomID     string          `json:"room_id"`
	FromUserID string          `json:"from_user_id"`
	ToUserID   string          `json:"to_user_id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store is the durable, recipient-keyed mailbox used to exchange signaling
// messages out of band. Delivery is at least once; callers get exactly-once
// processing by deleting a message after dispatching it.
type Store interface {
	// Send persists a message for its recipient.
	Send(ctx context.Context, msg *Message) error

	// FetchPending returns all queued messages for a recipient, ordered by
	// creation time.
	FetchPending(ctx context.Context, recipientID string) ([]Message, error)

	// Delete removes a message from the mailbox. Deleting a message that is
	// already gone is not an error.
	Delete(ctx context.Context, messageID string) error

	// Subscribe registers a callback invoked for every message inserted for
	// the recipient after the call. Callbacks for one recipient are invoked
	// in insertion order. The returned function cancels the subscription.
	Subscribe(ctx context.Context, recipientID string, onInsert func(Message)) (func(), error)
}
