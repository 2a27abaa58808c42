package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/huddlehq/huddle/internal/proto"
)

// Phase is the local user's call state. The participant set is non-empty
// exactly when the phase is Active.
type Phase int

const (
	Idle Phase = iota
	IncomingPending
	Active
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case IncomingPending:
		return "incoming"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// MarshalText lets Phase render as its name in JSON status payloads.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// IncomingOffer is the single pending inbound call. A second offer arriving
// while one is pending is dropped.
type IncomingOffer struct {
	From       string    `json:"from"`
	SDP        string    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

// Signaler is the slice of the signaling transport the call service needs.
// Coupling to the transport package goes through this interface only;
// run.go is the one place that sees both sides.
type Signaler interface {
	Send(env *proto.Envelope) error
	SelfID() string
	Subscribe() (ch chan *proto.Envelope, cancel func())
}

// Peer is one managed connection to a remote participant. Satisfied by the
// rtc link.
type Peer interface {
	Offer(ctx context.Context) (string, error)
	Answer(ctx context.Context, remoteSDP string) (string, error)
	AcceptAnswer(remoteSDP string) error
	AddCandidate(c proto.Candidate) error
	SetAudio(track webrtc.TrackLocal) error
	SetVideo(track webrtc.TrackLocal) error
}

// Links is the peer connection registry surface the service drives. Closing
// an absent ID is a no-op.
type Links interface {
	Create(remoteID string) (Peer, error)
	Get(remoteID string) (Peer, bool)
	Close(remoteID string)
	CloseAll()
}

// Media is the local capture surface. Satisfied by media.Controller.
type Media interface {
	EnsureLocalStream() error
	Release()
	AudioTrack() (webrtc.TrackLocal, bool)
	VideoTrack() (webrtc.TrackLocal, bool)
}

// Recorder persists missed-call side effects. The two writes are
// independent and best-effort. Satisfied by the chat/storage glue in
// run.go.
type Recorder interface {
	MissedCallNotification(callerID string) error
	MissedCallMessage(callerID string) error
}

// Event notifies subscribers (the web event stream) of call state changes.
type Event struct {
	Type         string    `json:"type"`
	Peer         string    `json:"peer,omitempty"`
	Phase        Phase     `json:"phase"`
	Participants []string  `json:"participants,omitempty"`
	At           time.Time `json:"at"`
}

// Event types emitted on the subscription channel.
const (
	EventIncoming        = "incoming"
	EventAccepted        = "accepted"
	EventRejected        = "rejected"
	EventStarted         = "started"
	EventParticipantJoin = "participant-joined"
	EventParticipantLeft = "participant-left"
	EventMissed          = "missed"
	EventEnded           = "ended"
)

// Snapshot is the service state as reported to status endpoints.
type Snapshot struct {
	Phase        Phase          `json:"phase"`
	Participants []string       `json:"participants"`
	Incoming     *IncomingOffer `json:"incoming,omitempty"`
}
