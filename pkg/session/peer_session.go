package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lingomesh/lingomesh/pkg/logger"
	"github.com/lingomesh/lingomesh/pkg/negotiation"
	"github.com/lingomesh/lingomesh/pkg/signal"
)

const (
	// MaxRetries bounds ICE-restart attempts after hard connection
	// failures. Exceeding it closes the session for good, so one flaky
	// peer cannot consume resources forever.
	MaxRetries = 2

	// MaxTransientRestarts bounds restarts triggered from the
	// disconnected grace timer. These do not consume the MaxRetries
	// budget, but a link that never comes back must still converge.
	MaxTransientRestarts = 5

	// DefaultDisconnectedGrace is how long a session stays in
	// disconnected before requesting an ICE restart. Short network blips
	// usually recover on their own within this window.
	DefaultDisconnectedGrace = 3 * time.Second
)

// sendFunc delivers an outbound signaling payload to the session's remote
// peer. Supplied by the orchestrator.
type sendFunc func(kind signal.Kind, payload any) error

// PeerSession owns one peer connection's lifecycle: description exchange,
// candidate buffering, state transitions, bounded retry and teardown.
// Exactly one session exists per remote participant; the orchestrator is
// its sole owner.
type PeerSession struct {
	mu sync.Mutex

	localID    string
	localName  string
	remoteID   string
	remoteName string

	// initiator is fixed at creation: whether the local side dials this
	// pair per the negotiation policy.
	initiator bool

	tr   Transport
	send sendFunc
	log  *logger.Logger

	state          State
	haveRemoteDesc bool
	offerPending   bool

	// Remote candidates that arrived before the remote description; they
	// are drained in arrival order once the description lands.
	pendingRemoteCandidates []webrtc.ICECandidateInit

	retryCount        int
	transientRestarts int

	graceDelay time.Duration
	graceTimer *time.Timer

	closed   bool
	onClosed func(remoteID string)
}

func newPeerSession(localID, localName, remoteID, remoteName string, send sendFunc, log *logger.Logger, graceDelay time.Duration, onClosed func(string)) *PeerSession {
	if graceDelay <= 0 {
		graceDelay = DefaultDisconnectedGrace
	}
	return &PeerSession{
		localID:    localID,
		localName:  localName,
		remoteID:   remoteID,
		remoteName: remoteName,
		initiator:  negotiation.ShouldInitiate(localID, remoteID),
		send:       send,
		log:        log,
		state:      StateNew,
		graceDelay: graceDelay,
		onClosed:   onClosed,
	}
}

// bindTransport attaches the transport after the hooks wiring resolved the
// construction cycle between session and transport.
func (p *PeerSession) bindTransport(tr Transport) {
	p.mu.Lock()
	p.tr = tr
	p.mu.Unlock()
}

// RemoteID returns the remote participant's identity.
func (p *PeerSession) RemoteID() string {
	return p.remoteID
}

// RemoteName returns the remote participant's display name.
func (p *PeerSession) RemoteName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteName
}

// State returns the current connection state.
func (p *PeerSession) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return StateClosed
	}
	return p.state
}

// RetryCount returns how many failed-triggered restarts have been spent.
func (p *PeerSession) RetryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryCount
}

// Initiator reports whether this side dials the pair.
func (p *PeerSession) Initiator() bool {
	return p.initiator
}

// InitiateCall produces and sends an offer. Only the initiating side of the
// pair dials, and only while no negotiation is in flight; otherwise the call
// is a no-op.
func (p *PeerSession) InitiateCall() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrSessionClosed
	}
	if !p.initiator {
		p.mu.Unlock()
		return nil
	}
	if p.offerPending {
		p.mu.Unlock()
		return ErrNegotiationBusy
	}

	sdp, err := p.tr.CreateOffer(false)
	if err != nil {
		p.mu.Unlock()
		p.log.Warn("[Session] Failed to create offer for %s: %v", p.remoteID, err)
		return err
	}
	p.offerPending = true
	name := p.localName
	p.mu.Unlock()

	return p.send(signal.KindOffer, DescriptionPayload{SDP: sdp, DisplayName: name})
}

// HandleOffer applies a remote offer, resolving glare when a local offer is
// still outstanding, then answers. Malformed payloads are logged and leave
// the session in its prior state.
func (p *PeerSession) HandleOffer(payload json.RawMessage) {
	var desc DescriptionPayload
	if err := json.Unmarshal(payload, &desc); err != nil || desc.SDP == "" {
		p.log.Warn("[Session] Malformed offer from %s: %v", p.remoteID, err)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	if p.offerPending {
		// Glare: both sides offered. The lesser identity rolls its
		// offer back and answers; the greater one waits for its answer.
		if negotiation.ResolveGlare(p.localID, p.remoteID) == negotiation.IgnoreRemote {
			p.mu.Unlock()
			p.log.Debug("[Session] Ignoring glare offer from %s, awaiting answer to ours", p.remoteID)
			return
		}
		if err := p.tr.Rollback(); err != nil {
			p.mu.Unlock()
			p.log.Warn("[Session] Rollback failed for %s: %v", p.remoteID, err)
			return
		}
		p.offerPending = false
		p.log.Debug("[Session] Rolled back local offer for %s", p.remoteID)
	}

	if desc.DisplayName != "" {
		p.remoteName = desc.DisplayName
	}

	if err := p.tr.SetRemoteOffer(desc.SDP); err != nil {
		p.mu.Unlock()
		p.log.Warn("[Session] Failed to apply offer from %s: %v", p.remoteID, err)
		return
	}
	p.haveRemoteDesc = true
	p.drainCandidatesLocked()

	answer, err := p.tr.CreateAnswer()
	if err != nil {
		p.mu.Unlock()
		p.log.Warn("[Session] Failed to answer %s: %v", p.remoteID, err)
		return
	}
	name := p.localName
	p.mu.Unlock()

	if err := p.send(signal.KindAnswer, DescriptionPayload{SDP: answer, DisplayName: name}); err != nil {
		p.log.Warn("[Session] Failed to send answer to %s: %v", p.remoteID, err)
	}
}

// HandleAnswer applies a remote answer. Answers arriving with no pending
// local offer are stale duplicates and are ignored.
func (p *PeerSession) HandleAnswer(payload json.RawMessage) {
	var desc DescriptionPayload
	if err := json.Unmarshal(payload, &desc); err != nil || desc.SDP == "" {
		p.log.Warn("[Session] Malformed answer from %s: %v", p.remoteID, err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if !p.offerPending {
		p.log.Debug("[Session] Stale answer from %s ignored", p.remoteID)
		return
	}

	if err := p.tr.SetRemoteAnswer(desc.SDP); err != nil {
		p.log.Warn("[Session] Failed to apply answer from %s: %v", p.remoteID, err)
		return
	}
	p.offerPending = false
	p.haveRemoteDesc = true
	if desc.DisplayName != "" {
		p.remoteName = desc.DisplayName
	}
	p.drainCandidatesLocked()
}

// HandleCandidate applies a remote ICE candidate, buffering it while no
// remote description exists yet.
func (p *PeerSession) HandleCandidate(payload json.RawMessage) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil || cand.Candidate == "" {
		p.log.Warn("[Session] Malformed candidate from %s: %v", p.remoteID, err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	if !p.haveRemoteDesc {
		p.pendingRemoteCandidates = append(p.pendingRemoteCandidates, cand)
		return
	}
	if err := p.tr.AddICECandidate(cand); err != nil {
		p.log.Warn("[Session] Failed to add candidate from %s: %v", p.remoteID, err)
	}
}

// drainCandidatesLocked flushes buffered candidates in arrival order. Caller
// holds p.mu and has just installed a remote description.
func (p *PeerSession) drainCandidatesLocked() {
	for _, cand := range p.pendingRemoteCandidates {
		if err := p.tr.AddICECandidate(cand); err != nil {
			p.log.Warn("[Session] Failed to add buffered candidate from %s: %v", p.remoteID, err)
		}
	}
	p.pendingRemoteCandidates = nil
}

// handleLocalCandidate forwards a locally gathered candidate to the remote
// side. Wired as the transport's OnLocalCandidate hook.
func (p *PeerSession) handleLocalCandidate(cand webrtc.ICECandidateInit) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := p.send(signal.KindCandidate, cand); err != nil {
		p.log.Warn("[Session] Failed to send candidate to %s: %v", p.remoteID, err)
	}
}

// OnConnectionStateChange drives the session state machine from transport
// connection-state events.
func (p *PeerSession) OnConnectionStateChange(s State) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.state = s

	switch s {
	case StateConnected:
		p.retryCount = 0
		p.transientRestarts = 0
		p.stopGraceTimerLocked()
		p.mu.Unlock()

	case StateDisconnected:
		if p.graceTimer == nil {
			p.graceTimer = time.AfterFunc(p.graceDelay, p.onDisconnectedGrace)
		}
		p.mu.Unlock()

	case StateFailed:
		p.stopGraceTimerLocked()
		if p.retryCount >= MaxRetries {
			p.mu.Unlock()
			p.log.Warn("[Session] Peer %s failed after %d retries, closing", p.remoteID, MaxRetries)
			p.Close()
			return
		}
		p.retryCount++
		restart := p.initiator
		p.mu.Unlock()
		if restart {
			p.restartICE()
		}

	case StateClosed:
		p.mu.Unlock()
		p.Close()

	default:
		p.mu.Unlock()
	}
}

// onDisconnectedGrace fires when the disconnected grace period elapses. A
// restart from here is treated as a transient recovery and does not consume
// the permanent retry budget.
func (p *PeerSession) onDisconnectedGrace() {
	p.mu.Lock()
	p.graceTimer = nil
	if p.closed || p.state != StateDisconnected {
		p.mu.Unlock()
		return
	}

	p.transientRestarts++
	if p.transientRestarts > MaxTransientRestarts {
		p.mu.Unlock()
		p.log.Warn("[Session] Peer %s never recovered from disconnect, closing", p.remoteID)
		p.Close()
		return
	}
	restart := p.initiator
	p.mu.Unlock()

	p.log.Info("[Session] Peer %s still disconnected after grace period, restarting ICE", p.remoteID)
	if restart {
		p.restartICE()
	}
}

// restartICE sends a restart offer. Only the initiating side of the pair
// requests restarts; the other side converges by answering.
func (p *PeerSession) restartICE() {
	p.mu.Lock()
	if p.closed || p.offerPending {
		p.mu.Unlock()
		return
	}

	sdp, err := p.tr.CreateOffer(true)
	if err != nil {
		p.mu.Unlock()
		p.log.Warn("[Session] ICE restart offer failed for %s: %v", p.remoteID, err)
		return
	}
	p.offerPending = true
	name := p.localName
	p.mu.Unlock()

	if err := p.send(signal.KindOffer, DescriptionPayload{SDP: sdp, DisplayName: name, Restart: true}); err != nil {
		p.log.Warn("[Session] Failed to send restart offer to %s: %v", p.remoteID, err)
	}
}

// AttachLocalTrack attaches a local track to the transport. An existing
// sender of the same media kind gets the track swapped in place, which needs
// no renegotiation; a genuinely new track is added and renegotiated.
func (p *PeerSession) AttachLocalTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrSessionClosed
	}

	kind := track.Kind().String()
	for _, sender := range p.tr.Senders() {
		if sender.Kind() == kind {
			err := sender.ReplaceTrack(track)
			p.mu.Unlock()
			return err
		}
	}

	if _, err := p.tr.AddTrack(track); err != nil {
		p.mu.Unlock()
		return err
	}
	renegotiate := p.state == StateConnected && !p.offerPending
	if renegotiate {
		sdp, err := p.tr.CreateOffer(false)
		if err != nil {
			p.mu.Unlock()
			p.log.Warn("[Session] Renegotiation offer failed for %s: %v", p.remoteID, err)
			return nil
		}
		p.offerPending = true
		name := p.localName
		p.mu.Unlock()
		// Simultaneous renegotiation from both sides resolves as glare.
		if err := p.send(signal.KindOffer, DescriptionPayload{SDP: sdp, DisplayName: name}); err != nil {
			p.log.Warn("[Session] Failed to send renegotiation offer to %s: %v", p.remoteID, err)
		}
		return nil
	}
	p.mu.Unlock()
	return nil
}

// Close releases the transport and buffered state. Safe to call at any point
// in any state, any number of times.
func (p *PeerSession) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.state = StateClosed
	p.stopGraceTimerLocked()
	p.pendingRemoteCandidates = nil
	tr := p.tr
	onClosed := p.onClosed
	p.mu.Unlock()

	if tr != nil {
		if err := tr.Close(); err != nil {
			p.log.Debug("[Session] Transport close for %s: %v", p.remoteID, err)
		}
	}
	if onClosed != nil {
		onClosed(p.remoteID)
	}
}

func (p *PeerSession) stopGraceTimerLocked() {
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
}
