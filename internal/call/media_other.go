//go:build !linux

package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newPlatformPeerConnection builds a receive-only PeerConnection. Camera and
// microphone capture via pion/mediadevices needs platform drivers that are
// only wired up for Linux (V4L2 + malgo); elsewhere the call still connects
// and receives remote media.
func newPlatformPeerConnection(stun []string, _ MediaKind) (*webrtc.PeerConnection, MediaSource, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(stun)})
	if err != nil {
		return nil, nil, err
	}

	// Recvonly transceivers give the SDP valid m-lines with ICE credentials.
	addRecvOnlyTransceivers(pc)
	log.Print("CALL: receive-only connection (no local capture on this platform)")
	return pc, nil, nil
}
