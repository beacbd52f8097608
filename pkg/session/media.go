package session

import "github.com/pion/webrtc/v4"

// LocalMedia is the already-acquired local audio/video source. The core
// never opens capture devices; the embedding application hands tracks in.
// The orchestrator owns the current LocalMedia and attaches its tracks to
// every peer session.
type LocalMedia struct {
	tracks []webrtc.TrackLocal
}

// NewLocalMedia bundles local tracks into a media source.
func NewLocalMedia(tracks ...webrtc.TrackLocal) *LocalMedia {
	return &LocalMedia{tracks: tracks}
}

// Tracks returns the source's tracks in attachment order.
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	if m == nil {
		return nil
	}
	return m.tracks
}

// RemoteStream is what a remote participant currently sends us, surfaced to
// the embedding UI layer.
type RemoteStream struct {
	DisplayName string
	Tracks      []*webrtc.TrackRemote
}
