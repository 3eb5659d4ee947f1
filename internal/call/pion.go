package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested from the remote video
// sender while the call is live.
const pliInterval = 3 * time.Second

// pionConn adapts a Pion *webrtc.PeerConnection to the PeerConnection seam.
// It also drains remote tracks: inbound RTP must be read or the interceptor
// chain stalls, and video senders need periodic PLI to keep keyframes coming.
type pionConn struct {
	label  string
	pc     *webrtc.PeerConnection

	mu          sync.Mutex
	trackFired  bool
	onTrack     func()
	onFailure   func(error)
	closed      chan struct{}
	closeOnce   sync.Once
	packetsSeen uint64
}

func newPionConn(label string, pc *webrtc.PeerConnection) *pionConn {
	p := &pionConn{
		label:  label,
		pc:     pc,
		closed: make(chan struct{}),
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote %s track %s", label, track.Kind(), track.ID())
		p.mu.Lock()
		fired := p.trackFired
		p.trackFired = true
		fn := p.onTrack
		p.mu.Unlock()
		if !fired && fn != nil {
			fn()
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go p.pliLoop(track.SSRC())
		}
		p.drainTrack(track)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state %s", label, st)
		if st == webrtc.PeerConnectionStateFailed {
			p.mu.Lock()
			fn := p.onFailure
			p.mu.Unlock()
			if fn != nil {
				fn(fmt.Errorf("peer connection %s", st))
			}
		}
	})

	return p
}

func (p *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionConn) RemoteDescriptionSet() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(cand)
}

func (p *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-gathering marker
		}
		fn(c.ToJSON())
	})
}

func (p *pionConn) OnRemoteTrack(fn func()) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *pionConn) OnFailure(fn func(error)) {
	p.mu.Lock()
	p.onFailure = fn
	p.mu.Unlock()
}

func (p *pionConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return p.pc.Close()
}

// drainTrack reads inbound RTP until the track or connection closes.
func (p *pionConn) drainTrack(track *webrtc.TrackRemote) {
	for {
		select {
		case <-p.closed:
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.consume(pkt)
	}
}

func (p *pionConn) consume(pkt *rtp.Packet) {
	p.mu.Lock()
	p.packetsSeen++
	n := p.packetsSeen
	p.mu.Unlock()
	if n == 1 {
		log.Printf("CALL [%s]: first RTP packet (ssrc=%d seq=%d)", p.label, pkt.SSRC, pkt.SequenceNumber)
	}
}

// pliLoop asks the remote video sender for a keyframe at a fixed interval.
func (p *pionConn) pliLoop(ssrc webrtc.SSRC) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
			})
			if err != nil {
				return
			}
		}
	}
}

// NewPionFactory returns the production ConnectionFactory. Each call builds a
// fresh PeerConnection with platform media capture attached. stun supplies
// the ICE server list and is consulted per attempt, so a config reload takes
// effect on the next call without rebuilding the factory.
func NewPionFactory(stun func() []string) ConnectionFactory {
	return func(ctx context.Context, kind MediaKind) (PeerConnection, MediaSource, error) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		var servers []string
		if stun != nil {
			servers = stun()
		}
		if len(servers) == 0 {
			servers = []string{"stun:stun.l.google.com:19302"}
		}
		pc, media, err := newPlatformPeerConnection(servers, kind)
		if err != nil {
			return nil, nil, err
		}
		return newPionConn(string(kind), pc), media, nil
	}
}

// addRecvOnlyTransceivers guarantees valid m-lines with ICE credentials even
// when no local media was captured.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL: AddTransceiver(video): %v", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL: AddTransceiver(audio): %v", err)
	}
}

func iceServers(stun []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(stun))
	for _, u := range stun {
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}
