package session

import (
	"github.com/pion/webrtc/v4"
)

// webrtcTransport adapts a pion PeerConnection to the Transport interface.
type webrtcTransport struct {
	pc *webrtc.PeerConnection
}

// NewWebRTCTransportFactory returns a factory producing pion-backed
// transports with the given ICE configuration.
func NewWebRTCTransportFactory(cfg webrtc.Configuration) TransportFactory {
	return func(hooks TransportHooks) (Transport, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			// A nil candidate marks the end of gathering; the remote
			// side needs no signal for that with trickle ICE.
			if c == nil || hooks.OnLocalCandidate == nil {
				return
			}
			hooks.OnLocalCandidate(c.ToJSON())
		})
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			if hooks.OnStateChange != nil {
				hooks.OnStateChange(stateFromPeerConnection(s))
			}
		})
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			if hooks.OnRemoteTrack != nil {
				hooks.OnRemoteTrack(track)
			}
		})

		return &webrtcTransport{pc: pc}, nil
	}
}

func (t *webrtcTransport) CreateOffer(iceRestart bool) (string, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := t.pc.CreateOffer(opts)
	if err != nil {
		return "", err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (t *webrtcTransport) CreateAnswer() (string, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (t *webrtcTransport) SetRemoteOffer(sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

func (t *webrtcTransport) SetRemoteAnswer(sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (t *webrtcTransport) Rollback() error {
	return t.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeRollback,
	})
}

func (t *webrtcTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

func (t *webrtcTransport) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return &rtpTrackSender{sender: sender}, nil
}

func (t *webrtcTransport) Senders() []TrackSender {
	senders := t.pc.GetSenders()
	out := make([]TrackSender, 0, len(senders))
	for _, s := range senders {
		if s.Track() == nil {
			continue
		}
		out = append(out, &rtpTrackSender{sender: s})
	}
	return out
}

func (t *webrtcTransport) Close() error {
	return t.pc.Close()
}

type rtpTrackSender struct {
	sender *webrtc.RTPSender
}

func (s *rtpTrackSender) Kind() string {
	track := s.sender.Track()
	if track == nil {
		return ""
	}
	return track.Kind().String()
}

func (s *rtpTrackSender) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.sender.ReplaceTrack(track)
}
