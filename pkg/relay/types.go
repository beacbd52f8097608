package relay

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotConnected is returned for frames sent while the client is between
// connection attempts.
var ErrNotConnected = errors.New("not connected to relay server")

// Frame types exchanged with the relay server.
const (
	TypeSignal       = "signal"        // one signaling message, either direction
	TypeFetchPending = "fetch-pending" // client asks for its queued mailbox
	TypePending      = "pending"       // server replies with the queued mailbox
	TypeAck          = "ack"           // client confirms a message was processed

	TypeParticipantJoined = "participant-joined"
	TypeParticipantLeft   = "participant-left"
	TypeParticipants      = "participants"

	TypeTURNRequest     = "turn-request"
	TypeTURNCredentials = "turn-credentials"
)

// Envelope is the wire frame between a room client and the relay server.
type Envelope struct {
	Type string          `json:"type"`
	From string          `json:"from,omitempty"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// FrameHandler handles one inbound frame of a registered type.
type FrameHandler func(ctx context.Context, env *Envelope) error

// OnConnectHandler runs after every successful (re)connect, before any frame
// is read. Used to re-announce presence and replay the mailbox.
type OnConnectHandler func(ctx context.Context) error

// OutboundFrame is a frame queued for best-effort delivery.
type OutboundFrame struct {
	Type string
	To   string
	Data any
}

// Participant is a room member as announced by the relay.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// TURNCredentials are short-lived relay server credentials handed out per
// room so clients behind symmetric NATs can still connect.
type TURNCredentials struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTLSeconds int      `json:"ttlSeconds"`
}

// replyHeader carries the correlation ID for fetch-pending and turn-request
// replies.
type replyHeader struct {
	RequestID string `json:"requestId"`
}
