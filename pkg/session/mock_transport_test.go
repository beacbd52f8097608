package session

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lingomesh/lingomesh/pkg/logger"
	"github.com/lingomesh/lingomesh/pkg/signal"
)

func testLogger() *logger.Logger {
	return logger.New(io.Discard, "test", logger.ErrorLevel)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// mockTransport records every call the session makes, so tests can assert
// the exact sequence of transport operations.
type mockTransport struct {
	mu sync.Mutex

	offerCalls    []bool // ICE-restart flag of each CreateOffer
	answerCalls   int
	remoteOffers  []string
	remoteAnswers []string
	rollbacks     int
	candidates    []webrtc.ICECandidateInit
	senders       []TrackSender
	closeCalls    int

	offerErr error
}

func (m *mockTransport) CreateOffer(iceRestart bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offerErr != nil {
		return "", m.offerErr
	}
	m.offerCalls = append(m.offerCalls, iceRestart)
	return "mock-offer", nil
}

func (m *mockTransport) CreateAnswer() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answerCalls++
	return "mock-answer", nil
}

func (m *mockTransport) SetRemoteOffer(sdp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteOffers = append(m.remoteOffers, sdp)
	return nil
}

func (m *mockTransport) SetRemoteAnswer(sdp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteAnswers = append(m.remoteAnswers, sdp)
	return nil
}

func (m *mockTransport) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks++
	return nil
}

func (m *mockTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *mockTransport) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &mockSender{kind: track.Kind().String()}
	m.senders = append(m.senders, s)
	return s, nil
}

func (m *mockTransport) Senders() []TrackSender {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TrackSender(nil), m.senders...)
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	return nil
}

func (m *mockTransport) snapshot() (offers []bool, answers int, rollbacks int, candidates []webrtc.ICECandidateInit, closes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.offerCalls...), m.answerCalls, m.rollbacks,
		append([]webrtc.ICECandidateInit(nil), m.candidates...), m.closeCalls
}

type mockSender struct {
	mu       sync.Mutex
	kind     string
	replaced []webrtc.TrackLocal
}

func (s *mockSender) Kind() string {
	return s.kind
}

func (s *mockSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, track)
	return nil
}

// recorder captures the session's outbound signaling.
type recorder struct {
	mu   sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	kind    signal.Kind
	payload any
}

func (r *recorder) send(kind signal.Kind, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMsg{kind: kind, payload: payload})
	return nil
}

func (r *recorder) all() []sentMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMsg(nil), r.sent...)
}

func (r *recorder) countKind(kind signal.Kind) int {
	n := 0
	for _, m := range r.all() {
		if m.kind == kind {
			n++
		}
	}
	return n
}

// lastOffer returns the most recent offer payload, failing if none was sent.
func (r *recorder) lastOffer(t *testing.T) DescriptionPayload {
	t.Helper()
	msgs := r.all()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].kind == signal.KindOffer {
			return msgs[i].payload.(DescriptionPayload)
		}
	}
	t.Fatalf("no offer was sent")
	return DescriptionPayload{}
}

func newTestSession(localID, remoteID string, opts ...func(*PeerSession)) (*PeerSession, *mockTransport, *recorder) {
	rec := &recorder{}
	tr := &mockTransport{}
	sess := newPeerSession(localID, "Local", remoteID, "Remote", rec.send, testLogger(), DefaultDisconnectedGrace, nil)
	for _, opt := range opts {
		opt(sess)
	}
	sess.bindTransport(tr)
	return sess, tr, rec
}

// simTransport behaves like a real peer connection for orchestrator tests:
// once both descriptions are installed it reports connected, and it trickles
// one local candidate after producing a description.
type simTransport struct {
	hooks TransportHooks

	mu        sync.Mutex
	localSet  bool
	remoteSet bool
	closed    bool
	senders   []TrackSender

	offersMade      int
	answersMade     int
	candidatesAdded int
}

func newSimFactory(transports chan<- *simTransport) TransportFactory {
	return func(hooks TransportHooks) (Transport, error) {
		tr := &simTransport{hooks: hooks}
		if transports != nil {
			select {
			case transports <- tr:
			default:
			}
		}
		return tr, nil
	}
}

func (s *simTransport) trickle() {
	hook := s.hooks.OnLocalCandidate
	if hook == nil {
		return
	}
	go hook(webrtc.ICECandidateInit{Candidate: "candidate:sim 1 udp 1 127.0.0.1 4242 typ host"})
}

func (s *simTransport) maybeConnectLocked() {
	if s.localSet && s.remoteSet && !s.closed {
		hook := s.hooks.OnStateChange
		if hook != nil {
			go hook(StateConnected)
		}
	}
}

func (s *simTransport) CreateOffer(bool) (string, error) {
	s.mu.Lock()
	s.localSet = true
	s.offersMade++
	s.mu.Unlock()
	s.trickle()
	return "sim-offer", nil
}

func (s *simTransport) CreateAnswer() (string, error) {
	s.mu.Lock()
	s.localSet = true
	s.answersMade++
	s.maybeConnectLocked()
	s.mu.Unlock()
	s.trickle()
	return "sim-answer", nil
}

func (s *simTransport) SetRemoteOffer(string) error {
	s.mu.Lock()
	s.remoteSet = true
	s.mu.Unlock()
	return nil
}

func (s *simTransport) SetRemoteAnswer(string) error {
	s.mu.Lock()
	s.remoteSet = true
	s.maybeConnectLocked()
	s.mu.Unlock()
	return nil
}

func (s *simTransport) Rollback() error {
	s.mu.Lock()
	s.localSet = false
	s.mu.Unlock()
	return nil
}

func (s *simTransport) AddICECandidate(webrtc.ICECandidateInit) error {
	s.mu.Lock()
	s.candidatesAdded++
	s.mu.Unlock()
	return nil
}

func (s *simTransport) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sender := &mockSender{kind: track.Kind().String()}
	s.senders = append(s.senders, sender)
	return sender, nil
}

func (s *simTransport) Senders() []TrackSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TrackSender(nil), s.senders...)
}

func (s *simTransport) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *simTransport) offers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offersMade
}

func (s *simTransport) candidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidatesAdded
}
