// Package rtc owns the Pion peer connections for active calls: one Link per
// remote participant, tracked by the Registry, plus the reconstructed
// remote streams fed by inbound tracks.
package rtc

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// EngineSetup registers codecs on the media engine. The platform capture
// layer supplies this so the codecs match what it can actually encode.
type EngineSetup func(*webrtc.MediaEngine) error

// DefaultEngineSetup registers Pion's default codecs. Used when no local
// capture is available (receive-only peers).
func DefaultEngineSetup(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

// newAPI builds the process-wide WebRTC API with default interceptors and
// generous ICE timeouts. The default disconnectedTimeout of 5s is too short
// for NAT paths with brief outages; 30s lets ICE recover without the user
// noticing a freeze.
func newAPI(setup EngineSetup) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := setup(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}
