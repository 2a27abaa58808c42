package rtc

import (
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is one inbound track from a participant, with live RTP
// counters maintained by the read loop.
type RemoteTrack struct {
	Kind    string `json:"kind"` // audio|video
	Codec   string `json:"codec"`
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// RemoteStream accumulates the inbound tracks of one participant. StreamID
// is regenerated every time a track is added so consumers watching for
// identity changes reliably detect new media.
type RemoteStream struct {
	PeerID   string                 `json:"peer_id"`
	StreamID string                 `json:"stream_id"`
	Tracks   map[string]RemoteTrack `json:"tracks"` // keyed by track ID
}

// StreamEvent notifies web subscribers about remote media changes.
type StreamEvent struct {
	Type   string `json:"type"` // track-added|peer-removed
	PeerID string `json:"peer_id"`
	Stream *RemoteStream `json:"stream,omitempty"`
}

// RemoteStreams maps remote participant IDs to their reconstructed streams.
type RemoteStreams struct {
	mu        sync.Mutex
	streams   map[string]*RemoteStream
	listeners []chan StreamEvent
}

func NewRemoteStreams() *RemoteStreams {
	return &RemoteStreams{streams: map[string]*RemoteStream{}}
}

// addTrack registers an inbound track for peerID, rebuilding the stream
// identity, and returns the track key for the read loop's counters.
func (r *RemoteStreams) addTrack(peerID, trackID, kind, codec string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[peerID]
	if !ok {
		st = &RemoteStream{PeerID: peerID, Tracks: map[string]RemoteTrack{}}
		r.streams[peerID] = st
	}
	st.StreamID = uuid.NewString()
	st.Tracks[trackID] = RemoteTrack{Kind: kind, Codec: codec}
	cp := st.clone()
	r.notify(StreamEvent{Type: "track-added", PeerID: peerID, Stream: &cp})
	return trackID
}

func (r *RemoteStreams) countPacket(peerID, trackID string, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[peerID]
	if !ok {
		return
	}
	tr, ok := st.Tracks[trackID]
	if !ok {
		return
	}
	tr.Packets++
	tr.Bytes += uint64(bytes)
	st.Tracks[trackID] = tr
}

// Remove drops a participant's stream on disconnection.
func (r *RemoteStreams) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[peerID]; !ok {
		return
	}
	delete(r.streams, peerID)
	r.notify(StreamEvent{Type: "peer-removed", PeerID: peerID})
}

// Get returns a copy of the participant's stream.
func (r *RemoteStreams) Get(peerID string) (RemoteStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[peerID]
	if !ok {
		return RemoteStream{}, false
	}
	return st.clone(), true
}

// Snapshot returns copies of all active streams.
func (r *RemoteStreams) Snapshot() map[string]RemoteStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]RemoteStream, len(r.streams))
	for id, st := range r.streams {
		out[id] = st.clone()
	}
	return out
}

func (r *RemoteStreams) Subscribe() chan StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan StreamEvent, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

func (r *RemoteStreams) Unsubscribe(ch chan StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *RemoteStreams) notify(evt StreamEvent) {
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (s *RemoteStream) clone() RemoteStream {
	cp := RemoteStream{PeerID: s.PeerID, StreamID: s.StreamID, Tracks: make(map[string]RemoteTrack, len(s.Tracks))}
	for id, tr := range s.Tracks {
		cp.Tracks[id] = tr
	}
	return cp
}

// readRemoteTrack drains RTP from an inbound track, keeping the stream
// counters current. Video tracks additionally get a periodic PLI so the
// sender refreshes with a keyframe after packet loss.
func readRemoteTrack(peerID string, remote *RemoteStreams, pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	trackID := remote.addTrack(peerID, track.ID(), track.Kind().String(), track.Codec().MimeType)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go func() {
			ticker := time.NewTicker(3 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				if err := pc.WriteRTCP([]rtcp.Packet{
					&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
				}); err != nil {
					return
				}
			}
		}()
	}

	var pkt *rtp.Packet
	for {
		var err error
		pkt, _, err = track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL: track %s from %s ended: %v", track.ID(), peerID, err)
			}
			return
		}
		remote.countPacket(peerID, trackID, pkt.MarshalSize())
	}
}
