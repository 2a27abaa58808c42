package media

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Fanout propagates local track changes to every active peer connection.
// Satisfied by the rtc registry.
type Fanout interface {
	SetAudioTrack(track webrtc.TrackLocal)
	SetVideoTrack(track webrtc.TrackLocal)
	Renegotiate(ctx context.Context)
}

// State is a snapshot of the local capture stream for the web layer. The
// flags always agree with the actual track set.
type State struct {
	HasStream     bool         `json:"has_stream"`
	MicEnabled    bool         `json:"mic_enabled"`
	CameraEnabled bool         `json:"camera_enabled"`
	ScreenSharing bool         `json:"screen_sharing"`
	Available     Availability `json:"available"`
}

// Controller owns the local capture stream: one optional audio track and at
// most one video track (camera and screen share are mutually exclusive).
type Controller struct {
	capture CaptureDevice
	avail   Availability

	mu         sync.Mutex
	mic        Track
	video      Track
	micEnabled bool
	cameraOn   bool
	screenOn   bool

	// epoch invalidates stale async callbacks (native screen-share stop)
	// whenever the video source or the whole stream changes.
	epoch int
}

// NewController enumerates devices once and wraps the capture layer.
func NewController(capture CaptureDevice) *Controller {
	av := capture.Enumerate()
	log.Printf("MEDIA: devices: mic=%v camera=%v screen=%v", av.Mic, av.Camera, av.Screen)
	return &Controller{capture: capture, avail: av}
}

// EngineSetup exposes the capture layer's codec registration for building
// the WebRTC API.
func (c *Controller) EngineSetup(me *webrtc.MediaEngine) error {
	return c.capture.EngineSetup(me)
}

// EnsureLocalStream opens the microphone-only capture stream if absent.
// The call starts muted: the track exists but is not attached to peers
// until the user unmutes.
func (c *Controller) EnsureLocalStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mic != nil {
		return nil
	}
	track, err := c.capture.Mic()
	if err != nil {
		return err
	}
	c.mic = track
	c.micEnabled = false
	log.Printf("MEDIA: local stream ready (mic captured, muted)")
	return nil
}

// HasStream reports whether the local capture stream exists.
func (c *Controller) HasStream() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mic != nil
}

// AudioTrack returns the outbound audio track when the mic is enabled, for
// attaching to newly created peer connections.
func (c *Controller) AudioTrack() (webrtc.TrackLocal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mic == nil || !c.micEnabled {
		return nil, false
	}
	return c.mic, true
}

// VideoTrack returns the live video track (camera or screen), if any.
func (c *Controller) VideoTrack() (webrtc.TrackLocal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.video == nil {
		return nil, false
	}
	return c.video, true
}

// ToggleMic flips the microphone between muted and live. Enabling triggers
// a full renegotiation round: audio enabled after a muted start does not
// reliably flow without it.
func (c *Controller) ToggleMic(ctx context.Context, fanout Fanout) (bool, error) {
	c.mu.Lock()
	if c.mic == nil {
		c.mu.Unlock()
		return false, fmt.Errorf("media: no active stream")
	}
	c.micEnabled = !c.micEnabled
	enabled := c.micEnabled
	track := c.mic
	c.mu.Unlock()

	if enabled {
		fanout.SetAudioTrack(track)
		fanout.Renegotiate(ctx)
	} else {
		fanout.SetAudioTrack(nil)
	}
	log.Printf("MEDIA: mic enabled=%v", enabled)
	return enabled, nil
}

// ToggleCamera turns the camera on or off. Turning on stops an active
// screen share first; turning off detaches the video sender without a
// renegotiation round.
func (c *Controller) ToggleCamera(ctx context.Context, fanout Fanout) (bool, error) {
	c.mu.Lock()
	if c.cameraOn {
		c.stopVideoLocked()
		c.mu.Unlock()
		fanout.SetVideoTrack(nil)
		log.Printf("MEDIA: camera off")
		return false, nil
	}
	c.mu.Unlock()

	// Acquire before touching current state so a capture failure leaves
	// everything untouched.
	track, err := c.capture.Camera()
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.stopVideoLocked() // camera and screen are mutually exclusive
	c.video = track
	c.cameraOn = true
	c.epoch++
	c.mu.Unlock()

	fanout.SetVideoTrack(track)
	fanout.Renegotiate(ctx)
	log.Printf("MEDIA: camera on")
	return true, nil
}

// ToggleScreenShare mirrors ToggleCamera with a display-capture source.
// If the user stops sharing through the platform's native UI the same
// teardown runs via the capture layer's ended callback.
func (c *Controller) ToggleScreenShare(ctx context.Context, fanout Fanout) (bool, error) {
	c.mu.Lock()
	if c.screenOn {
		c.stopVideoLocked()
		c.mu.Unlock()
		fanout.SetVideoTrack(nil)
		log.Printf("MEDIA: screen share off")
		return false, nil
	}
	myEpoch := c.epoch + 1
	c.mu.Unlock()

	track, err := c.capture.Screen(func() {
		c.nativeScreenStop(myEpoch, fanout)
	})
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.stopVideoLocked() // screen replaces any live camera
	c.video = track
	c.screenOn = true
	c.epoch = myEpoch
	c.mu.Unlock()

	fanout.SetVideoTrack(track)
	fanout.Renegotiate(ctx)
	log.Printf("MEDIA: screen share on")
	return true, nil
}

// nativeScreenStop handles the platform "stop sharing" button. The epoch
// check makes a late callback for an already-replaced track a no-op.
func (c *Controller) nativeScreenStop(epoch int, fanout Fanout) {
	c.mu.Lock()
	if c.epoch != epoch || !c.screenOn {
		c.mu.Unlock()
		return
	}
	c.stopVideoLocked()
	c.mu.Unlock()
	fanout.SetVideoTrack(nil)
	log.Printf("MEDIA: screen share stopped via native UI")
}

// Release stops every track and clears the stream. Runs exactly once per
// call episode; later calls are no-ops.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mic == nil && c.video == nil {
		return
	}
	if c.mic != nil {
		if err := c.mic.Close(); err != nil {
			log.Printf("MEDIA: close mic: %v", err)
		}
		c.mic = nil
	}
	c.stopVideoLocked()
	c.micEnabled = false
	c.epoch++
	log.Printf("MEDIA: local stream released")
}

// State returns a snapshot for status endpoints.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		HasStream:     c.mic != nil,
		MicEnabled:    c.micEnabled,
		CameraEnabled: c.cameraOn,
		ScreenSharing: c.screenOn,
		Available:     c.avail,
	}
}

// stopVideoLocked stops and removes whichever video track is live.
// Caller holds c.mu.
func (c *Controller) stopVideoLocked() {
	if c.video == nil {
		c.cameraOn = false
		c.screenOn = false
		return
	}
	if err := c.video.Close(); err != nil {
		log.Printf("MEDIA: close video track: %v", err)
	}
	c.video = nil
	c.cameraOn = false
	c.screenOn = false
	c.epoch++
}
