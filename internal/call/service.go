// Package call implements the local user's call state machine: idle,
// one pending incoming offer, or an active call with a set of
// participants. It drives the peer connection registry and the media
// controller in response to signaling envelopes and local user actions.
// Coupling to the rest of huddle is via the interfaces in types.go only.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/huddlehq/huddle/internal/proto"
)

// ErrBadPhase reports a local action attempted in a phase that does not
// allow it (accept without a pending offer, hang up while idle, ...).
var ErrBadPhase = errors.New("call: action not valid in current phase")

// IsBadPhase reports whether err is a phase violation.
func IsBadPhase(err error) bool { return errors.Is(err, ErrBadPhase) }

// Service is the single authoritative owner of call state. One mutex
// serializes every transition; inbound envelopes and local actions never
// interleave mid-transition.
type Service struct {
	sig   Signaler
	links Links
	media Media
	rec   Recorder

	mu           sync.Mutex
	phase        Phase
	incoming     *IncomingOffer
	participants []string

	lisMu     sync.Mutex
	listeners map[chan Event]struct{}

	done chan struct{}
}

// New creates the call service and starts routing signaling envelopes
// immediately.
func New(sig Signaler, links Links, media Media, rec Recorder) *Service {
	s := &Service{
		sig:       sig,
		links:     links,
		media:     media,
		rec:       rec,
		listeners: make(map[chan Event]struct{}),
		done:      make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

// Close stops envelope routing and tears down any active call.
func (s *Service) Close() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == Active {
		s.sendHangupsLocked("shutdown")
	}
	s.teardownLocked()
	s.incoming = nil
	s.phase = Idle
}

// Subscribe returns a channel of call events and a cancel func. Slow
// consumers miss events rather than block the state machine.
func (s *Service) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 16)
	s.lisMu.Lock()
	s.listeners[ch] = struct{}{}
	s.lisMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.lisMu.Lock()
			delete(s.listeners, ch)
			s.lisMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// State returns a snapshot for status endpoints.
func (s *Service) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Phase:        s.phase,
		Participants: append([]string(nil), s.participants...),
	}
	if s.incoming != nil {
		inc := *s.incoming
		snap.Incoming = &inc
	}
	return snap
}

// StartCall rings one or more recipients. Only valid while idle. The phase
// moves to Active optimistically; answers are not awaited.
func (s *Service) StartCall(ctx context.Context, recipients []string) error {
	recipients = dedupe(recipients, s.sig.SelfID())
	if len(recipients) == 0 {
		return fmt.Errorf("call: no recipients")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Idle {
		return fmt.Errorf("%w: start while %s", ErrBadPhase, s.phase)
	}
	if err := s.media.EnsureLocalStream(); err != nil {
		return err
	}

	var reached []string
	for _, id := range recipients {
		if err := s.dialLocked(ctx, id); err != nil {
			log.Printf("CALL: dial %s: %v", id, err)
			continue
		}
		reached = append(reached, id)
	}
	if len(reached) == 0 {
		s.media.Release()
		return fmt.Errorf("call: could not offer to any recipient")
	}

	s.phase = Active
	s.participants = reached
	log.Printf("CALL: started, ringing %v", reached)
	s.emitLocked(EventStarted, "")
	return nil
}

// AddParticipant rings one more peer from an active call. The participant
// is appended only after the local offer was built.
func (s *Service) AddParticipant(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Active {
		return fmt.Errorf("%w: add participant while %s", ErrBadPhase, s.phase)
	}
	if id == s.sig.SelfID() || contains(s.participants, id) {
		return fmt.Errorf("call: %s is already in the call", id)
	}
	if err := s.dialLocked(ctx, id); err != nil {
		return err
	}
	s.participants = append(s.participants, id)
	log.Printf("CALL: ringing %s (added to call)", id)
	s.emitLocked(EventParticipantJoin, id)
	return nil
}

// Accept answers the pending incoming call. Only valid while an offer is
// pending. A media or negotiation failure aborts with the offer still
// pending.
func (s *Service) Accept(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != IncomingPending || s.incoming == nil {
		return fmt.Errorf("%w: no incoming call", ErrBadPhase)
	}
	caller := s.incoming.From

	if err := s.media.EnsureLocalStream(); err != nil {
		return err
	}
	peer, err := s.links.Create(caller)
	if err != nil {
		return err
	}
	s.attachLocalTracks(peer, caller)
	sdp, err := peer.Answer(ctx, s.incoming.SDP)
	if err != nil {
		s.links.Close(caller)
		return fmt.Errorf("answer %s: %w", caller, err)
	}
	if err := s.sig.Send(proto.NewAnswer(s.sig.SelfID(), caller, sdp)); err != nil {
		log.Printf("CALL: send answer to %s: %v", caller, err)
	}

	s.phase = Active
	s.participants = []string{caller}
	s.incoming = nil
	log.Printf("CALL: accepted call from %s", caller)
	s.emitLocked(EventAccepted, caller)
	return nil
}

// Reject declines the pending incoming call. No media is ever acquired for
// a rejected call.
func (s *Service) Reject() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != IncomingPending || s.incoming == nil {
		return fmt.Errorf("%w: no incoming call", ErrBadPhase)
	}
	caller := s.incoming.From
	if err := s.sig.Send(proto.NewHangup(s.sig.SelfID(), caller, "rejected")); err != nil {
		log.Printf("CALL: send reject to %s: %v", caller, err)
	}
	s.incoming = nil
	s.phase = Idle
	log.Printf("CALL: rejected call from %s", caller)
	s.emitLocked(EventRejected, caller)
	return nil
}

// HangUp ends the active call: a HANGUP goes to every participant, then the
// call is torn down unconditionally regardless of send results.
func (s *Service) HangUp() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Active {
		return fmt.Errorf("%w: hang up while %s", ErrBadPhase, s.phase)
	}
	s.sendHangupsLocked("bye")
	s.teardownLocked()
	log.Printf("CALL: hung up")
	s.emitLocked(EventEnded, "")
	return nil
}

// dispatchLoop routes signaling envelopes until Close.
func (s *Service) dispatchLoop() {
	ch, cancel := s.sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-s.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			s.handle(env)
		}
	}
}

// handle applies one inbound envelope to the state machine. Unexpected
// envelopes are dropped silently per policy; none raise.
func (s *Service) handle(env *proto.Envelope) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch env.Kind {
	case proto.KindOffer:
		s.handleOfferLocked(ctx, env)
	case proto.KindAnswer:
		s.handleAnswerLocked(env)
	case proto.KindCandidate:
		if peer, ok := s.links.Get(env.From); ok {
			if err := peer.AddCandidate(*env.Candidate); err != nil {
				log.Printf("CALL: candidate from %s: %v", env.From, err)
			}
		}
		// No entry: the candidate outlived its connection. Discard.
	case proto.KindHangup:
		s.handleHangupLocked(env.From)
	}
}

func (s *Service) handleOfferLocked(ctx context.Context, env *proto.Envelope) {
	from := env.From
	switch {
	case s.phase == Active && contains(s.participants, from):
		// Renegotiation from a current participant: answer in place.
		peer, ok := s.links.Get(from)
		if !ok {
			return
		}
		sdp, err := peer.Answer(ctx, env.Offer.SDP)
		if err != nil {
			log.Printf("CALL: renegotiation answer for %s: %v", from, err)
			return
		}
		if err := s.sig.Send(proto.NewAnswer(s.sig.SelfID(), from, sdp)); err != nil {
			log.Printf("CALL: send answer to %s: %v", from, err)
		}
	case s.phase == Idle:
		s.incoming = &IncomingOffer{From: from, SDP: env.Offer.SDP, ReceivedAt: time.Now()}
		s.phase = IncomingPending
		log.Printf("CALL: incoming call from %s", from)
		s.emitLocked(EventIncoming, from)
	default:
		// Already ringing or busy with an unrelated call. One pending offer
		// at a time; no busy signal goes back.
		log.Printf("CALL: dropping offer from %s while %s", from, s.phase)
	}
}

func (s *Service) handleAnswerLocked(env *proto.Envelope) {
	peer, ok := s.links.Get(env.From)
	if !ok {
		return
	}
	if err := peer.AcceptAnswer(env.Answer.SDP); err != nil {
		// Duplicate answers for a settled connection land here. Not an error.
		log.Printf("CALL: answer from %s not applied: %v", env.From, err)
		return
	}
	if s.phase == Active && !contains(s.participants, env.From) {
		// Join race: the peer answered an offer sent before we saw them listed.
		s.participants = append(s.participants, env.From)
		s.emitLocked(EventParticipantJoin, env.From)
	}
	log.Printf("CALL: %s answered", env.From)
}

func (s *Service) handleHangupLocked(from string) {
	if s.phase == IncomingPending && s.incoming != nil && s.incoming.From == from {
		// Caller gave up before we answered: a missed call. Record a
		// notification and a chat message; each write is best-effort.
		if err := s.rec.MissedCallNotification(from); err != nil {
			log.Printf("CALL: missed-call notification for %s: %v", from, err)
		}
		if err := s.rec.MissedCallMessage(from); err != nil {
			log.Printf("CALL: missed-call message for %s: %v", from, err)
		}
		s.incoming = nil
		s.phase = Idle
		log.Printf("CALL: missed call from %s", from)
		s.emitLocked(EventMissed, from)
		return
	}

	if s.phase != Active || !contains(s.participants, from) {
		return
	}
	s.links.Close(from)
	s.participants = remove(s.participants, from)
	log.Printf("CALL: %s left the call", from)
	if len(s.participants) == 0 {
		s.teardownLocked()
		s.emitLocked(EventEnded, from)
		return
	}
	s.emitLocked(EventParticipantLeft, from)
}

// dialLocked opens a connection to id, attaches current local tracks, and
// sends the offer. Send failure is swallowed; the dial still counts.
func (s *Service) dialLocked(ctx context.Context, id string) error {
	peer, err := s.links.Create(id)
	if err != nil {
		return err
	}
	s.attachLocalTracks(peer, id)
	sdp, err := peer.Offer(ctx)
	if err != nil {
		s.links.Close(id)
		return fmt.Errorf("offer for %s: %w", id, err)
	}
	if err := s.sig.Send(proto.NewOffer(s.sig.SelfID(), id, sdp)); err != nil {
		log.Printf("CALL: send offer to %s: %v", id, err)
	}
	return nil
}

// attachLocalTracks puts whatever is currently live (unmuted mic, camera or
// screen) on a fresh connection before its first offer or answer.
func (s *Service) attachLocalTracks(peer Peer, id string) {
	if t, ok := s.media.AudioTrack(); ok {
		if err := peer.SetAudio(t); err != nil {
			log.Printf("CALL: attach audio for %s: %v", id, err)
		}
	}
	if t, ok := s.media.VideoTrack(); ok {
		if err := peer.SetVideo(t); err != nil {
			log.Printf("CALL: attach video for %s: %v", id, err)
		}
	}
}

func (s *Service) sendHangupsLocked(reason string) {
	for _, id := range s.participants {
		if err := s.sig.Send(proto.NewHangup(s.sig.SelfID(), id, reason)); err != nil {
			log.Printf("CALL: send hangup to %s: %v", id, err)
		}
	}
}

// teardownLocked ends the call episode: every connection closed, local
// media released, back to idle. Safe to call when already idle.
func (s *Service) teardownLocked() {
	s.links.CloseAll()
	s.media.Release()
	s.participants = nil
	s.phase = Idle
}

func (s *Service) emitLocked(typ, peer string) {
	ev := Event{
		Type:         typ,
		Peer:         peer,
		Phase:        s.phase,
		Participants: append([]string(nil), s.participants...),
		At:           time.Now(),
	}
	s.lisMu.Lock()
	for ch := range s.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	s.lisMu.Unlock()
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func dedupe(ids []string, self string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || id == self {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
