package rtc

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/huddlehq/huddle/internal/proto"
)

// Link is one managed peer connection to a remote participant. Its lifetime
// is bounded by exactly one call episode; a new episode always gets a fresh
// Link.
type Link struct {
	remoteID string
	pc       *webrtc.PeerConnection

	mu          sync.Mutex
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	closed      bool
}

// RemoteID returns the participant this link connects to.
func (l *Link) RemoteID() string { return l.remoteID }

// Offer creates a local offer, applies it as the local description, and
// returns its SDP for the signaling layer.
func (l *Link) Offer(ctx context.Context) (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer for %s: %w", l.remoteID, err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer for %s: %w", l.remoteID, err)
	}
	return offer.SDP, nil
}

// Answer applies a remote offer and returns the SDP of the local answer.
// Used both for accepting a call and for inbound renegotiation.
func (l *Link) Answer(ctx context.Context, remoteSDP string) (string, error) {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteSDP,
	}); err != nil {
		return "", fmt.Errorf("set remote offer from %s: %w", l.remoteID, err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer for %s: %w", l.remoteID, err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer for %s: %w", l.remoteID, err)
	}
	return answer.SDP, nil
}

// AcceptAnswer applies a remote answer. Callers treat failure as a stale
// duplicate and ignore it.
func (l *Link) AcceptAnswer(remoteSDP string) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  remoteSDP,
	})
}

// AddCandidate applies a trickled ICE candidate.
func (l *Link) AddCandidate(c proto.Candidate) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// SetAudio attaches or replaces the outbound audio track. A nil track mutes
// by replacing the sender's track with nothing, keeping the sender so no
// renegotiation is needed to unmute.
func (l *Link) SetAudio(track webrtc.TrackLocal) error {
	return l.setSender(&l.audioSender, track)
}

// SetVideo attaches or replaces the outbound video track. A nil track
// detaches via ReplaceTrack(nil) rather than removing the sender, avoiding
// renegotiation churn for a simple camera-off.
func (l *Link) SetVideo(track webrtc.TrackLocal) error {
	return l.setSender(&l.videoSender, track)
}

func (l *Link) setSender(slot **webrtc.RTPSender, track webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if *slot != nil {
		return (*slot).ReplaceTrack(track)
	}
	if track == nil {
		return nil
	}
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track for %s: %w", l.remoteID, err)
	}
	*slot = sender
	return nil
}

// Close tears the connection down. Idempotent.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	if err := l.pc.Close(); err != nil {
		log.Printf("CALL: close connection to %s: %v", l.remoteID, err)
	}
}
