// Package call drives the offer/answer/ICE exchange for one-to-one calls
// through the realtime store, and owns the per-call session state machine.
// Coupling to WebRTC is through the PeerConnection seam only; the real
// implementation is Pion, tests use fakes.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

// State is the lifecycle position of a call session.
type State int

const (
	StateInitializing State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MediaKind selects audio-only or audio+video capture.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

var (
	// ErrMediaAccessDenied means local capture devices could not be acquired.
	ErrMediaAccessDenied = errors.New("media access denied")
	// ErrSessionEnded is returned by operations on a torn-down session.
	ErrSessionEnded = errors.New("call session ended")
)

// PeerConnection is the platform media primitive the session drives. All
// callbacks fire on backend goroutines; the session serializes them.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// RemoteDescriptionSet reports whether a remote description has been
	// applied — the idempotence guard for duplicate answers/offers.
	RemoteDescriptionSet() bool
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnRemoteTrack fires once when the first remote media track arrives.
	OnRemoteTrack(func())
	OnFailure(func(error))
	Close() error
}

// MediaSource is the acquired local capture; Close releases the devices.
// Exactly one session owns it at a time and every teardown path closes it.
type MediaSource interface {
	Close() error
}

// ConnectionFactory builds a connection with local media for one call
// attempt. A denied capture returns ErrMediaAccessDenied.
type ConnectionFactory func(ctx context.Context, kind MediaKind) (PeerConnection, MediaSource, error)

func nowMillis() int64 { return time.Now().UnixMilli() }

// IncomingCall describes a ring observed on the local user's record.
type IncomingCall struct {
	From      string `json:"from"`
	Video     bool   `json:"isVideo"`
	Timestamp int64  `json:"timestamp"`
}

// MediaKind maps the ring's video flag to a capture kind.
func (ic IncomingCall) MediaKind() MediaKind {
	if ic.Video {
		return MediaVideo
	}
	return MediaAudio
}
