// Package proto defines the signaling wire protocol shared by every huddle
// peer: the pubsub topic, the libp2p stream protocol IDs, and the envelope
// format for call signaling and presence.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// SignalTopic is the GossipSub topic every peer joins. Call signaling
	// and presence announcements both travel on it; addressed envelopes are
	// filtered on the receiving side.
	SignalTopic = "huddle.signal.v1"

	MdnsTag = "huddle-mdns"

	// ChatProtoID is the libp2p stream protocol for direct chat messages.
	ChatProtoID = "/huddle/chat/1.0.0"
)

// Kind discriminates the envelope payload. Exactly one payload field is set
// per kind; Decode enforces this so handlers never have to guess shapes.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindHangup    Kind = "hangup"
	KindPresence  Kind = "presence"
)

const (
	PresenceOnline  = "online"
	PresenceUpdate  = "update"
	PresenceOffline = "offline"
)

// Offer carries a session description for a new call or a renegotiation.
type Offer struct {
	SDP string `json:"sdp"`
}

// Answer carries the session description answering an Offer.
type Answer struct {
	SDP string `json:"sdp"`
}

// Candidate is one ICE candidate discovered during connection establishment.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Hangup ends a call leg. Reason is informational only.
type Hangup struct {
	Reason string `json:"reason,omitempty"`
}

// Presence announces a peer to the roster. Always broadcast (empty To).
type Presence struct {
	Type          string   `json:"type"` // online|update|offline
	Label         string   `json:"label,omitempty"`
	Email         string   `json:"email,omitempty"`
	CallsDisabled bool     `json:"callsDisabled,omitempty"`
	Addrs         []string `json:"addrs,omitempty"`
}

// Envelope is one signaling message. To == "" means broadcast, which is
// only legal for presence announcements.
type Envelope struct {
	Kind Kind   `json:"kind"`
	From string `json:"from"`
	To   string `json:"to,omitempty"`
	TS   int64  `json:"ts"`

	Offer     *Offer     `json:"offer,omitempty"`
	Answer    *Answer    `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate_payload,omitempty"`
	Hangup    *Hangup    `json:"hangup,omitempty"`
	Presence  *Presence  `json:"presence,omitempty"`
}

// NewOffer builds an addressed offer envelope.
func NewOffer(from, to, sdp string) *Envelope {
	return &Envelope{Kind: KindOffer, From: from, To: to, TS: NowMillis(), Offer: &Offer{SDP: sdp}}
}

// NewAnswer builds an addressed answer envelope.
func NewAnswer(from, to, sdp string) *Envelope {
	return &Envelope{Kind: KindAnswer, From: from, To: to, TS: NowMillis(), Answer: &Answer{SDP: sdp}}
}

// NewCandidate builds an addressed ICE candidate envelope.
func NewCandidate(from, to string, c Candidate) *Envelope {
	return &Envelope{Kind: KindCandidate, From: from, To: to, TS: NowMillis(), Candidate: &c}
}

// NewHangup builds an addressed hangup envelope.
func NewHangup(from, to, reason string) *Envelope {
	return &Envelope{Kind: KindHangup, From: from, To: to, TS: NowMillis(), Hangup: &Hangup{Reason: reason}}
}

// NewPresence builds a broadcast presence envelope.
func NewPresence(from string, p Presence) *Envelope {
	return &Envelope{Kind: KindPresence, From: from, TS: NowMillis(), Presence: &p}
}

// Validate checks the kind/payload pairing and addressing rules.
func (e *Envelope) Validate() error {
	if e.From == "" {
		return fmt.Errorf("envelope: missing sender")
	}
	switch e.Kind {
	case KindOffer:
		if e.Offer == nil || e.To == "" {
			return fmt.Errorf("envelope: offer requires payload and recipient")
		}
	case KindAnswer:
		if e.Answer == nil || e.To == "" {
			return fmt.Errorf("envelope: answer requires payload and recipient")
		}
	case KindCandidate:
		if e.Candidate == nil || e.To == "" {
			return fmt.Errorf("envelope: candidate requires payload and recipient")
		}
	case KindHangup:
		if e.Hangup == nil || e.To == "" {
			return fmt.Errorf("envelope: hangup requires payload and recipient")
		}
	case KindPresence:
		if e.Presence == nil {
			return fmt.Errorf("envelope: presence requires payload")
		}
		if e.To != "" {
			return fmt.Errorf("envelope: presence must be broadcast")
		}
	default:
		return fmt.Errorf("envelope: unknown kind %q", e.Kind)
	}
	return nil
}

// Encode marshals the envelope after stripping payloads that do not belong
// to its kind, so a handcrafted envelope can never leak a mismatched shape.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	clean := Envelope{Kind: e.Kind, From: e.From, To: e.To, TS: e.TS}
	switch e.Kind {
	case KindOffer:
		clean.Offer = e.Offer
	case KindAnswer:
		clean.Answer = e.Answer
	case KindCandidate:
		clean.Candidate = e.Candidate
	case KindHangup:
		clean.Hangup = e.Hangup
	case KindPresence:
		clean.Presence = e.Presence
	}
	return json.Marshal(&clean)
}

// Decode parses and validates a wire envelope. Malformed or mismatched
// envelopes yield an error; callers drop them silently.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func NowMillis() int64 { return time.Now().UnixMilli() }
