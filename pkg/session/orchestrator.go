package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/lingomesh/lingomesh/pkg/logger"
	"github.com/lingomesh/lingomesh/pkg/signal"
)

// inboxSize bounds how many undispatched messages a single remote peer can
// have queued before its sender backs off.
const inboxSize = 64

// RoomIdentity is who we are inside a room.
type RoomIdentity struct {
	RoomID           string
	LocalUserID      string
	LocalDisplayName string
}

// Orchestrator is the per-room conductor. It owns every peer session, feeds
// them signaling messages from the store in per-sender order, reacts to
// membership changes and fans local media out to all sessions.
type Orchestrator struct {
	mu sync.Mutex

	identity RoomIdentity
	store    signal.Store
	factory  TransportFactory
	log      *logger.Logger

	sessions     map[string]*PeerSession
	inboxes      map[string]chan signal.Message
	remoteTracks map[string][]*webrtc.TrackRemote

	// processed holds IDs of messages already dispatched, so a message
	// seen both in the startup drain and through the live feed is handled
	// once.
	processed map[string]struct{}

	media *LocalMedia

	graceDelay time.Duration

	ctx       context.Context
	cancelSub func()

	// backlog buffers live-feed messages that arrive while the startup
	// drain is still replaying the mailbox, so per-sender order holds.
	draining bool
	backlog  []signal.Message

	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
	done    bool
}

// NewOrchestrator builds an orchestrator for one room. It does nothing until
// Start is called.
func NewOrchestrator(identity RoomIdentity, store signal.Store, factory TransportFactory, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		identity:     identity,
		store:        store,
		factory:      factory,
		log:          log,
		sessions:     make(map[string]*PeerSession),
		inboxes:      make(map[string]chan signal.Message),
		remoteTracks: make(map[string][]*webrtc.TrackRemote),
		processed:    make(map[string]struct{}),
		graceDelay:   DefaultDisconnectedGrace,
		quit:         make(chan struct{}),
	}
}

// SetDisconnectedGrace overrides the disconnected grace period for sessions
// created afterwards. Must be called before Start.
func (o *Orchestrator) SetDisconnectedGrace(d time.Duration) {
	o.graceDelay = d
}

// Identity returns the orchestrator's room identity.
func (o *Orchestrator) Identity() RoomIdentity {
	return o.identity
}

// Start replays the mailbox and then follows the live feed. Messages that
// queued up while we were away are dispatched first, in stored order, so a
// peer that offered before we arrived gets answered.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return ErrOrchestratorDone
	}
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.draining = true
	o.ctx = ctx
	o.mu.Unlock()

	cancel, err := o.store.Subscribe(ctx, o.identity.LocalUserID, o.onStoreInsert)
	if err != nil {
		o.resetStart()
		return err
	}
	o.mu.Lock()
	o.cancelSub = cancel
	o.mu.Unlock()

	pending, err := o.store.FetchPending(ctx, o.identity.LocalUserID)
	if err != nil {
		cancel()
		o.resetStart()
		return err
	}
	for i := range pending {
		o.enqueue(pending[i])
	}

	// Flush everything that arrived live while we drained, and only then
	// clear the draining flag. Flipping it with a backlog still unflushed
	// would let a fresh insert jump ahead of older messages from the same
	// sender.
	for {
		o.mu.Lock()
		if len(o.backlog) == 0 {
			o.draining = false
			o.mu.Unlock()
			break
		}
		backlog := o.backlog
		o.backlog = nil
		o.mu.Unlock()
		for i := range backlog {
			o.enqueue(backlog[i])
		}
	}

	o.log.Info("[Room] Joined room %s as %s, drained %d pending message(s)",
		o.identity.RoomID, o.identity.LocalUserID, len(pending))
	return nil
}

// resetStart rolls back the started state so a transient store failure in
// Start can be retried instead of wedging the room on ErrAlreadyStarted.
func (o *Orchestrator) resetStart() {
	o.mu.Lock()
	o.started = false
	o.draining = false
	o.backlog = nil
	o.cancelSub = nil
	o.mu.Unlock()
}

func (o *Orchestrator) onStoreInsert(msg signal.Message) {
	o.mu.Lock()
	if o.draining {
		o.backlog = append(o.backlog, msg)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.enqueue(msg)
}

// enqueue routes a message to its sender's inbox, spawning the inbox worker
// on first contact. One worker per remote keeps that remote's messages in
// order without serializing unrelated peers.
func (o *Orchestrator) enqueue(msg signal.Message) {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return
	}
	ch, ok := o.inboxes[msg.FromUserID]
	if !ok {
		ch = make(chan signal.Message, inboxSize)
		o.inboxes[msg.FromUserID] = ch
		o.wg.Add(1)
		go o.runInbox(ch)
	}
	o.mu.Unlock()

	select {
	case ch <- msg:
	case <-o.quit:
	}
}

func (o *Orchestrator) runInbox(ch chan signal.Message) {
	defer o.wg.Done()
	for {
		select {
		case msg := <-ch:
			o.dispatch(msg)
			// Delete after dispatch. A crash in between redelivers the
			// message, and the processed set absorbs the duplicate.
			if err := o.store.Delete(o.ctx, msg.ID); err != nil {
				o.log.Warn("[Room] Failed to delete message %s: %v", msg.ID, err)
			}
		case <-o.quit:
			return
		}
	}
}

func (o *Orchestrator) dispatch(msg signal.Message) {
	if msg.FromUserID == o.identity.LocalUserID {
		return
	}

	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return
	}
	if _, seen := o.processed[msg.ID]; seen {
		o.mu.Unlock()
		return
	}
	o.processed[msg.ID] = struct{}{}

	sess, ok := o.sessions[msg.FromUserID]
	if ok && sess.State() == StateClosed {
		sess, ok = nil, false
	}
	if !ok {
		// Only an offer opens a session. Answers and candidates from a
		// sender we have no session with are leftovers from a closed
		// exchange and would otherwise pin a transport forever.
		if msg.Kind != signal.KindOffer {
			o.mu.Unlock()
			o.log.Debug("[Room] Dropping %s from %s, no open session", msg.Kind, msg.FromUserID)
			return
		}
		var err error
		sess, err = o.sessionForLocked(msg.FromUserID, "")
		if err != nil {
			o.mu.Unlock()
			o.log.Warn("[Room] Cannot open session for %s: %v", msg.FromUserID, err)
			return
		}
	}
	o.mu.Unlock()

	switch msg.Kind {
	case signal.KindOffer:
		sess.HandleOffer(msg.Payload)
	case signal.KindAnswer:
		sess.HandleAnswer(msg.Payload)
	case signal.KindCandidate:
		sess.HandleCandidate(msg.Payload)
	default:
		o.log.Debug("[Room] Unknown message kind %q from %s", msg.Kind, msg.FromUserID)
	}
}

// sessionForLocked returns the live session for a remote, creating one when
// none exists or when the existing one has been closed out. Caller holds
// o.mu.
func (o *Orchestrator) sessionForLocked(remoteID, displayName string) (*PeerSession, error) {
	if sess, ok := o.sessions[remoteID]; ok {
		if sess.State() != StateClosed {
			return sess, nil
		}
		delete(o.sessions, remoteID)
		delete(o.remoteTracks, remoteID)
	}

	var sess *PeerSession
	sess = newPeerSession(
		o.identity.LocalUserID, o.identity.LocalDisplayName,
		remoteID, displayName,
		o.senderFor(remoteID),
		o.log,
		o.graceDelay,
		func(id string) { o.dropSession(id, sess) },
	)

	tr, err := o.factory(TransportHooks{
		OnLocalCandidate: sess.handleLocalCandidate,
		OnStateChange:    sess.OnConnectionStateChange,
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			o.addRemoteTrack(remoteID, track)
		},
	})
	if err != nil {
		return nil, err
	}
	sess.bindTransport(tr)
	o.sessions[remoteID] = sess

	for _, track := range o.media.Tracks() {
		if err := sess.AttachLocalTrack(track); err != nil {
			o.log.Warn("[Room] Failed to attach local track for %s: %v", remoteID, err)
		}
	}
	return sess, nil
}

// senderFor builds the session's outbound signaling path. One failed send is
// retried once before giving up; the connection state machine recovers from
// anything worse.
func (o *Orchestrator) senderFor(remoteID string) sendFunc {
	return func(kind signal.Kind, payload any) error {
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg := &signal.Message{
			ID:         uuid.NewString(),
			RoomID:     o.identity.RoomID,
			FromUserID: o.identity.LocalUserID,
			ToUserID:   remoteID,
			Kind:       kind,
			Payload:    body,
			CreatedAt:  time.Now().UTC(),
		}

		ctx := o.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if err := o.store.Send(ctx, msg); err != nil {
			o.log.Warn("[Room] Send to %s failed, retrying once: %v", remoteID, err)
			return o.store.Send(ctx, msg)
		}
		return nil
	}
}

func (o *Orchestrator) addRemoteTrack(remoteID string, track *webrtc.TrackRemote) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return
	}
	o.remoteTracks[remoteID] = append(o.remoteTracks[remoteID], track)
}

func (o *Orchestrator) dropSession(remoteID string, sess *PeerSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sessions[remoteID] == sess {
		delete(o.sessions, remoteID)
		delete(o.remoteTracks, remoteID)
	}
}

// HandleParticipantJoined reacts to a membership event. If the negotiation
// policy puts us on the dialing side and we have media to offer, the new
// participant gets called immediately; otherwise we open the session and
// wait for their offer.
func (o *Orchestrator) HandleParticipantJoined(remoteID, displayName string) error {
	if remoteID == o.identity.LocalUserID {
		return nil
	}
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return ErrOrchestratorDone
	}
	sess, err := o.sessionForLocked(remoteID, displayName)
	hasMedia := o.media != nil
	o.mu.Unlock()
	if err != nil {
		return err
	}
	if sess.Initiator() && hasMedia {
		return sess.InitiateCall()
	}
	return nil
}

// HandleParticipantLeft tears down the session for a departed participant.
func (o *Orchestrator) HandleParticipantLeft(remoteID string) {
	o.mu.Lock()
	sess := o.sessions[remoteID]
	o.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// CallParticipant explicitly dials a participant. On the non-initiating side
// of the pair this opens the session and waits; the offer must come from the
// other end or the pair would glare on every call.
func (o *Orchestrator) CallParticipant(remoteID, displayName string) error {
	if remoteID == o.identity.LocalUserID {
		return ErrSelfConnection
	}
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return ErrOrchestratorDone
	}
	if o.media == nil {
		o.mu.Unlock()
		return ErrNoLocalMedia
	}
	sess, err := o.sessionForLocked(remoteID, displayName)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	return sess.InitiateCall()
}

// UpdateLocalMedia swaps the local media source and pushes its tracks to
// every open session. Sessions with a matching sender swap in place; the
// rest renegotiate.
func (o *Orchestrator) UpdateLocalMedia(media *LocalMedia) {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return
	}
	o.media = media
	sessions := make([]*PeerSession, 0, len(o.sessions))
	for _, sess := range o.sessions {
		sessions = append(sessions, sess)
	}
	o.mu.Unlock()

	for _, sess := range sessions {
		for _, track := range media.Tracks() {
			if err := sess.AttachLocalTrack(track); err != nil {
				o.log.Warn("[Room] Failed to attach local track for %s: %v", sess.RemoteID(), err)
			}
		}
		// A session opened from the roster before media existed has been
		// idling; now that there is something to offer, the dialing side
		// places the call.
		if sess.Initiator() && sess.State() == StateNew {
			if err := sess.InitiateCall(); err != nil && err != ErrNegotiationBusy {
				o.log.Warn("[Room] Failed to call %s on media ready: %v", sess.RemoteID(), err)
			}
		}
	}
}

// RemoteStreams returns every open session's participant and whatever media
// they currently send us. A participant with no tracks yet still shows up.
func (o *Orchestrator) RemoteStreams() map[string]RemoteStream {
	o.mu.Lock()
	sessions := make(map[string]*PeerSession, len(o.sessions))
	tracks := make(map[string][]*webrtc.TrackRemote, len(o.remoteTracks))
	for id, sess := range o.sessions {
		sessions[id] = sess
	}
	for id, tr := range o.remoteTracks {
		tracks[id] = append([]*webrtc.TrackRemote(nil), tr...)
	}
	o.mu.Unlock()

	out := make(map[string]RemoteStream, len(sessions))
	for id, sess := range sessions {
		out[id] = RemoteStream{
			DisplayName: sess.RemoteName(),
			Tracks:      tracks[id],
		}
	}
	return out
}

// ConnectionStatus reports the connection state of every open session.
func (o *Orchestrator) ConnectionStatus() map[string]State {
	o.mu.Lock()
	sessions := make(map[string]*PeerSession, len(o.sessions))
	for id, sess := range o.sessions {
		sessions[id] = sess
	}
	o.mu.Unlock()

	out := make(map[string]State, len(sessions))
	for id, sess := range sessions {
		out[id] = sess.State()
	}
	return out
}

// Teardown closes every session, stops the inbox workers and detaches from
// the store. Safe to call more than once.
func (o *Orchestrator) Teardown() {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return
	}
	o.done = true
	cancel := o.cancelSub
	o.cancelSub = nil
	sessions := make([]*PeerSession, 0, len(o.sessions))
	for _, sess := range o.sessions {
		sessions = append(sessions, sess)
	}
	o.sessions = make(map[string]*PeerSession)
	o.remoteTracks = make(map[string][]*webrtc.TrackRemote)
	close(o.quit)
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	for _, sess := range sessions {
		sess.Close()
	}
	o.log.Info("[Room] Left room %s", o.identity.RoomID)
}
