// Package media manages the local capture stream for calls: microphone,
// camera, and screen share, with at most one video source live at a time.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrNoDevice is returned when capture fails because the device is absent
// or permission was denied. The requested action aborts with no partial
// state change.
var ErrNoDevice = errors.New("media: no capture device available")

// Track is a local capture track attachable to peer connections. Close
// stops the underlying hardware capture.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// Availability records which capture sources the platform offered at
// startup. Enumerated once; not re-checked per call.
type Availability struct {
	Mic    bool `json:"mic"`
	Camera bool `json:"camera"`
	Screen bool `json:"screen"`
}

// CaptureDevice abstracts the platform capture APIs. The production
// implementation wraps pion/mediadevices behind build tags; tests use a
// fake.
type CaptureDevice interface {
	// Enumerate reports which sources exist. Called once at startup.
	Enumerate() Availability

	// Mic opens a microphone audio track.
	Mic() (Track, error)

	// Camera opens a camera video track.
	Camera() (Track, error)

	// Screen opens a display-capture video track, favoring sharpness over
	// motion smoothness. onEnded fires if the user stops sharing through
	// the platform's native UI.
	Screen(onEnded func()) (Track, error)

	// EngineSetup registers the codecs this device can encode.
	EngineSetup(*webrtc.MediaEngine) error
}
