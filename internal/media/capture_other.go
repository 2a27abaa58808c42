//go:build !linux

package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// NewCaptureDevice returns a capture layer with no local sources. Camera,
// mic, and screen capture via pion/mediadevices require platform drivers
// (V4L2/malgo/X11 on Linux); elsewhere calls run receive-only.
func NewCaptureDevice() (CaptureDevice, error) {
	return &noCapture{}, nil
}

type noCapture struct{}

func (noCapture) EngineSetup(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (noCapture) Enumerate() Availability { return Availability{} }

func (noCapture) Mic() (Track, error) {
	return nil, fmt.Errorf("%w: no microphone driver on this platform", ErrNoDevice)
}

func (noCapture) Camera() (Track, error) {
	return nil, fmt.Errorf("%w: no camera driver on this platform", ErrNoDevice)
}

func (noCapture) Screen(func()) (Track, error) {
	return nil, fmt.Errorf("%w: no screen driver on this platform", ErrNoDevice)
}
