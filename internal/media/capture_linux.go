//go:build linux

package media

import (
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/driver"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// NewCaptureDevice returns the mediadevices-backed capture layer
// (V4L2 + malgo + X11 grab on Linux) with VP8 and Opus encoders.
func NewCaptureDevice() (CaptureDevice, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &linuxCapture{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

type linuxCapture struct {
	selector *mediadevices.CodecSelector
}

func (c *linuxCapture) EngineSetup(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

func (c *linuxCapture) Enumerate() Availability {
	var av Availability
	for _, d := range mediadevices.EnumerateDevices() {
		switch d.DeviceType {
		case driver.Microphone:
			av.Mic = true
		case driver.Camera:
			av.Camera = true
		case driver.Screen:
			av.Screen = true
		}
		log.Printf("MEDIA: device kind=%v type=%v label=%q", d.Kind, d.DeviceType, d.Label)
	}
	return av
}

func (c *linuxCapture) Mic() (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: microphone: %v", ErrNoDevice, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: microphone produced no track", ErrNoDevice)
	}
	return tracks[0], nil
}

func (c *linuxCapture) Camera() (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(mt *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder.
			mt.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640x480; higher resolutions increase VP8 encoding
			// latency noticeably on laptop hardware.
			mt.Width = prop.IntRanged{Max: 640}
			mt.Height = prop.IntRanged{Max: 480}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: camera: %v", ErrNoDevice, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: camera produced no track", ErrNoDevice)
	}
	return tracks[0], nil
}

func (c *linuxCapture) Screen(onEnded func()) (Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(mt *mediadevices.MediaTrackConstraints) {
			// Screen content is mostly static text: favor sharpness over
			// motion smoothness by capping the frame rate.
			mt.FrameRate = prop.FloatRanged{Max: 15}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: screen: %v", ErrNoDevice, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: screen capture produced no track", ErrNoDevice)
	}
	track := tracks[0]
	if onEnded != nil {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: screen capture ended: %v", err)
			}
			onEnded()
		})
	}
	return track, nil
}
