package session

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	ErrSessionClosed    = errors.New("peer session closed")
	ErrNegotiationBusy  = errors.New("negotiation already in progress")
	ErrNoLocalMedia     = errors.New("no local media available")
	ErrSelfConnection   = errors.New("refusing to open a session to the local identity")
	ErrAlreadyStarted   = errors.New("orchestrator already started")
	ErrOrchestratorDone = errors.New("orchestrator has been torn down")
)

// TrackSender is one outbound track slot on a transport. Replacing the track
// keeps the negotiated sender, so no renegotiation is needed.
type TrackSender interface {
	// Kind is the media kind of the attached track, "audio" or "video".
	Kind() string
	ReplaceTrack(track webrtc.TrackLocal) error
}

// Transport is the slice of a WebRTC peer connection the session state
// machine drives. Keeping it an interface lets the transition table run
// against a scripted transport in tests.
type Transport interface {
	// CreateOffer builds an offer and installs it as the local description.
	// With iceRestart set the offer requests fresh ICE credentials.
	CreateOffer(iceRestart bool) (sdp string, err error)

	// CreateAnswer builds an answer to the current remote offer and
	// installs it as the local description.
	CreateAnswer() (sdp string, err error)

	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error

	// Rollback discards the pending local offer, returning the transport
	// to a stable signaling state. Used by the losing side of glare.
	Rollback() error

	AddICECandidate(c webrtc.ICECandidateInit) error

	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	Senders() []TrackSender

	Close() error
}

// TransportHooks are the event callbacks a transport delivers into the
// session that owns it.
type TransportHooks struct {
	OnLocalCandidate func(webrtc.ICECandidateInit)
	OnStateChange    func(State)
	OnRemoteTrack    func(*webrtc.TrackRemote)
}

// TransportFactory builds a transport wired to the given hooks. The
// orchestrator holds one factory per room; tests inject scripted ones.
type TransportFactory func(hooks TransportHooks) (Transport, error)

// DescriptionPayload is the body of offer and answer messages. The SDP blob
// is opaque to everything but the transports on either end.
type DescriptionPayload struct {
	SDP         string `json:"sdp"`
	DisplayName string `json:"displayName,omitempty"`
	Restart     bool   `json:"restart,omitempty"`
}
