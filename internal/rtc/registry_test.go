package rtc

import (
	"context"
	"sync"
	"testing"

	"github.com/huddlehq/huddle/internal/proto"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*proto.Envelope
}

func (f *fakeSender) Send(env *proto.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) SelfID() string { return "self" }

func (f *fakeSender) byKind(k proto.Kind) []*proto.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*proto.Envelope
	for _, e := range f.sent {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	reg, err := NewRegistry([]string{"stun:stun.l.google.com:19302"}, DefaultEngineSetup, sender, NewRemoteStreams())
	if err != nil {
		t.Fatal(err)
	}
	return reg, sender
}

func TestCreateRejectsDuplicateEntry(t *testing.T) {
	reg, _ := newTestRegistry(t)
	defer reg.CloseAll()

	if _, err := reg.Create("bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Create("bob"); err == nil {
		t.Fatal("second entry for the same remote must be rejected")
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 link, got %d", reg.Len())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if _, err := reg.Create("bob"); err != nil {
		t.Fatal(err)
	}
	reg.Close("bob")
	reg.Close("bob") // absent id is a no-op
	reg.Close("never-existed")
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d links", reg.Len())
	}

	// A new episode gets a fresh entry.
	if _, err := reg.Create("bob"); err != nil {
		t.Fatalf("fresh entry after close should succeed: %v", err)
	}
	reg.CloseAll()
}

func TestOfferAnswerRound(t *testing.T) {
	caller, _ := newTestRegistry(t)
	callee, _ := newTestRegistry(t)
	defer caller.CloseAll()
	defer callee.CloseAll()

	a, err := caller.Create("bob")
	if err != nil {
		t.Fatal(err)
	}
	b, err := callee.Create("alice")
	if err != nil {
		t.Fatal(err)
	}

	offerSDP, err := a.Offer(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if offerSDP == "" {
		t.Fatal("empty offer SDP")
	}

	answerSDP, err := b.Answer(context.Background(), offerSDP)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.AcceptAnswer(answerSDP); err != nil {
		t.Fatal(err)
	}

	// A duplicate answer must not be fatal to the caller; the service layer
	// ignores the error either way.
	_ = a.AcceptAnswer(answerSDP)
}

func TestRenegotiateSendsOfferPerLink(t *testing.T) {
	reg, sender := newTestRegistry(t)
	defer reg.CloseAll()

	for _, id := range []string{"bob", "carol"} {
		if _, err := reg.Create(id); err != nil {
			t.Fatal(err)
		}
	}

	reg.Renegotiate(context.Background())

	offers := sender.byKind(proto.KindOffer)
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(offers))
	}
	recipients := map[string]bool{}
	for _, o := range offers {
		if o.From != "self" || o.Offer == nil || o.Offer.SDP == "" {
			t.Fatalf("bad offer envelope: %+v", o)
		}
		recipients[o.To] = true
	}
	if !recipients["bob"] || !recipients["carol"] {
		t.Fatalf("offers missing a recipient: %v", recipients)
	}
}

func TestCandidateRoutingToAbsentLink(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, ok := reg.Get("ghost"); ok {
		t.Fatal("absent link must not be found")
	}
}
