package rtc

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/huddlehq/huddle/internal/proto"
)

// EnvelopeSender is the slice of the signaling transport the registry needs
// to trickle ICE candidates and send renegotiation offers.
type EnvelopeSender interface {
	Send(env *proto.Envelope) error
	SelfID() string
}

// Registry owns one Link per remote participant the local user is calling
// or in a call with. At most one entry per remote ID; creating over an
// existing key is an error so callers must replace explicitly.
type Registry struct {
	api    *webrtc.API
	cfg    webrtc.Configuration
	sender EnvelopeSender
	remote *RemoteStreams

	mu    sync.RWMutex
	links map[string]*Link
}

// NewRegistry builds a registry using the given STUN URLs and codec setup.
func NewRegistry(stunURLs []string, setup EngineSetup, sender EnvelopeSender, remote *RemoteStreams) (*Registry, error) {
	api, err := newAPI(setup)
	if err != nil {
		return nil, err
	}
	return &Registry{
		api: api,
		cfg: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
		},
		sender: sender,
		remote: remote,
		links:  make(map[string]*Link),
	}, nil
}

// Create opens a fresh peer connection to remoteID. Local ICE candidates
// are trickled to the peer as CANDIDATE envelopes; inbound tracks land in
// the remote stream set.
func (r *Registry) Create(remoteID string) (*Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.links[remoteID]; exists {
		return nil, fmt.Errorf("connection to %s already exists", remoteID)
	}

	pc, err := r.api.NewPeerConnection(r.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection for %s: %w", remoteID, err)
	}
	link := &Link{remoteID: remoteID, pc: pc}

	// Recvonly transceivers up front so every offer carries valid audio and
	// video m-lines with ICE credentials even before local tracks attach.
	// AddTrack reuses these slots later.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL: add %s transceiver for %s: %v", kind, remoteID, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		_ = r.sender.Send(proto.NewCandidate(r.sender.SelfID(), remoteID, proto.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		}))
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL: inbound %s track from %s (%s)", track.Kind(), remoteID, track.Codec().MimeType)
		readRemoteTrack(remoteID, r.remote, pc, track)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("CALL: connection to %s is %s", remoteID, s)
	})

	r.links[remoteID] = link
	return link, nil
}

// Get returns the live link for remoteID, if any.
func (r *Registry) Get(remoteID string) (*Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[remoteID]
	return l, ok
}

// Close shuts down and removes the link for remoteID. Closing an absent ID
// is a no-op. The remote stream entry goes with it.
func (r *Registry) Close(remoteID string) {
	r.mu.Lock()
	link, ok := r.links[remoteID]
	if ok {
		delete(r.links, remoteID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	link.Close()
	r.remote.Remove(remoteID)
}

// CloseAll tears down every link (full call teardown).
func (r *Registry) CloseAll() {
	r.mu.Lock()
	links := r.links
	r.links = make(map[string]*Link)
	r.mu.Unlock()
	for id, link := range links {
		link.Close()
		r.remote.Remove(id)
	}
}

// Len reports the number of live links.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// ForEach runs fn over a snapshot of the live links.
func (r *Registry) ForEach(fn func(*Link)) {
	r.mu.RLock()
	snapshot := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		snapshot = append(snapshot, l)
	}
	r.mu.RUnlock()
	for _, l := range snapshot {
		fn(l)
	}
}

// SetAudioTrack propagates the current audio track (nil to mute) to every
// live link.
func (r *Registry) SetAudioTrack(track webrtc.TrackLocal) {
	r.ForEach(func(l *Link) {
		if err := l.SetAudio(track); err != nil {
			log.Printf("CALL: set audio for %s: %v", l.RemoteID(), err)
		}
	})
}

// SetVideoTrack propagates the current video track (camera or screen, nil
// to detach) to every live link.
func (r *Registry) SetVideoTrack(track webrtc.TrackLocal) {
	r.ForEach(func(l *Link) {
		if err := l.SetVideo(track); err != nil {
			log.Printf("CALL: set video for %s: %v", l.RemoteID(), err)
		}
	})
}

// Renegotiate sends a fresh offer to every live link. An individual peer's
// failure is logged and does not abort the round.
func (r *Registry) Renegotiate(ctx context.Context) {
	r.ForEach(func(l *Link) {
		sdp, err := l.Offer(ctx)
		if err != nil {
			log.Printf("CALL: renegotiate with %s: %v", l.RemoteID(), err)
			return
		}
		_ = r.sender.Send(proto.NewOffer(r.sender.SelfID(), l.RemoteID(), sdp))
	})
}
