package call

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/huddlehq/huddle/internal/proto"
)

type fakeSignaler struct {
	self    string
	sendErr error
	sent    []*proto.Envelope
}

func (f *fakeSignaler) Send(env *proto.Envelope) error {
	f.sent = append(f.sent, env)
	return f.sendErr
}
func (f *fakeSignaler) SelfID() string { return f.self }
func (f *fakeSignaler) Subscribe() (chan *proto.Envelope, func()) {
	return make(chan *proto.Envelope), func() {}
}

func (f *fakeSignaler) sentKinds() []proto.Kind {
	kinds := make([]proto.Kind, 0, len(f.sent))
	for _, e := range f.sent {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type fakePeer struct {
	id         string
	offerErr   error
	answerErr  error
	accepted   []string
	audio      []webrtc.TrackLocal
	candidates int
}

func (p *fakePeer) Offer(context.Context) (string, error) {
	if p.offerErr != nil {
		return "", p.offerErr
	}
	return "offer-" + p.id, nil
}
func (p *fakePeer) Answer(_ context.Context, remote string) (string, error) {
	return "answer-" + p.id, nil
}
func (p *fakePeer) AcceptAnswer(remote string) error {
	if p.answerErr != nil {
		return p.answerErr
	}
	p.accepted = append(p.accepted, remote)
	return nil
}
func (p *fakePeer) AddCandidate(proto.Candidate) error      { p.candidates++; return nil }
func (p *fakePeer) SetAudio(t webrtc.TrackLocal) error      { p.audio = append(p.audio, t); return nil }
func (p *fakePeer) SetVideo(webrtc.TrackLocal) error        { return nil }

type fakeLinks struct {
	createErr error
	offerErr  error
	m         map[string]*fakePeer
	closed    []string
	closedAll int
}

func newFakeLinks() *fakeLinks { return &fakeLinks{m: make(map[string]*fakePeer)} }

func (f *fakeLinks) Create(id string) (Peer, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if _, exists := f.m[id]; exists {
		return nil, fmt.Errorf("connection to %s already exists", id)
	}
	p := &fakePeer{id: id, offerErr: f.offerErr}
	f.m[id] = p
	return p, nil
}

func (f *fakeLinks) Get(id string) (Peer, bool) {
	p, ok := f.m[id]
	if !ok {
		return nil, false
	}
	return p, true
}

func (f *fakeLinks) Close(id string) {
	if _, ok := f.m[id]; ok {
		delete(f.m, id)
		f.closed = append(f.closed, id)
	}
}

func (f *fakeLinks) CloseAll() {
	f.closedAll++
	f.m = make(map[string]*fakePeer)
}

type fakeMedia struct {
	ensureErr error
	has       bool
	ensured   int
	released  int
}

func (f *fakeMedia) EnsureLocalStream() error {
	if f.ensureErr != nil {
		return f.ensureErr
	}
	if !f.has {
		f.has = true
		f.ensured++
	}
	return nil
}
func (f *fakeMedia) Release() {
	if f.has {
		f.has = false
		f.released++
	}
}
func (f *fakeMedia) AudioTrack() (webrtc.TrackLocal, bool) { return nil, false }
func (f *fakeMedia) VideoTrack() (webrtc.TrackLocal, bool) { return nil, false }

type fakeRecorder struct {
	notifications []string
	messages      []string
}

func (f *fakeRecorder) MissedCallNotification(caller string) error {
	f.notifications = append(f.notifications, caller)
	return nil
}
func (f *fakeRecorder) MissedCallMessage(caller string) error {
	f.messages = append(f.messages, caller)
	return nil
}

type fixture struct {
	sig   *fakeSignaler
	links *fakeLinks
	media *fakeMedia
	rec   *fakeRecorder
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sig:   &fakeSignaler{self: "alice"},
		links: newFakeLinks(),
		media: &fakeMedia{},
		rec:   &fakeRecorder{},
	}
	f.svc = New(f.sig, f.links, f.media, f.rec)
	t.Cleanup(f.svc.Close)
	return f
}

// deliver feeds an inbound envelope straight to the state machine, as the
// dispatch loop would.
func (f *fixture) deliver(env *proto.Envelope) { f.svc.handle(env) }

func (f *fixture) checkInvariant(t *testing.T) {
	t.Helper()
	snap := f.svc.State()
	if (snap.Phase == Active) != (len(snap.Participants) > 0) {
		t.Fatalf("phase/participants invariant broken: %+v", snap)
	}
}

func TestStartCallIsOptimistic(t *testing.T) {
	f := newFixture(t)
	f.sig.sendErr = errors.New("transport down")

	if err := f.svc.StartCall(context.Background(), []string{"bob"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	snap := f.svc.State()
	if snap.Phase != Active || len(snap.Participants) != 1 || snap.Participants[0] != "bob" {
		t.Fatalf("want active with [bob], got %+v", snap)
	}
	if len(f.sig.sent) != 1 || f.sig.sent[0].Kind != proto.KindOffer || f.sig.sent[0].To != "bob" {
		t.Fatalf("want one offer to bob, got %v", f.sig.sentKinds())
	}
	if f.media.ensured != 1 {
		t.Fatalf("media ensured %d times, want 1", f.media.ensured)
	}
	f.checkInvariant(t)
}

func TestStartCallBadPhases(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.StartCall(context.Background(), []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.StartCall(context.Background(), []string{"carol"}); !errors.Is(err, ErrBadPhase) {
		t.Fatalf("start while active: want ErrBadPhase, got %v", err)
	}
	if err := f.svc.StartCall(context.Background(), nil); err == nil {
		t.Fatal("start with no recipients must fail")
	}
}

func TestStartCallMediaFailureAbortsCleanly(t *testing.T) {
	f := newFixture(t)
	f.media.ensureErr = errors.New("permission denied")

	if err := f.svc.StartCall(context.Background(), []string{"bob"}); err == nil {
		t.Fatal("want media error")
	}
	snap := f.svc.State()
	if snap.Phase != Idle || len(f.links.m) != 0 || len(f.sig.sent) != 0 {
		t.Fatalf("failed start must leave no state: %+v links=%d sent=%d",
			snap, len(f.links.m), len(f.sig.sent))
	}
}

func TestIncomingOfferWhileIdle(t *testing.T) {
	f := newFixture(t)
	f.deliver(proto.NewOffer("bob", "alice", "sdp-bob"))

	snap := f.svc.State()
	if snap.Phase != IncomingPending || snap.Incoming == nil || snap.Incoming.From != "bob" {
		t.Fatalf("want pending offer from bob, got %+v", snap)
	}
	if len(f.links.m) != 0 || f.media.ensured != 0 {
		t.Fatal("no registry entry or media before accept")
	}
	f.checkInvariant(t)
}

func TestSecondOfferDroppedWhilePending(t *testing.T) {
	f := newFixture(t)
	f.deliver(proto.NewOffer("bob", "alice", "sdp-bob"))
	f.deliver(proto.NewOffer("carol", "alice", "sdp-carol"))

	snap := f.svc.State()
	if snap.Incoming == nil || snap.Incoming.From != "bob" {
		t.Fatalf("second offer must not displace the first, got %+v", snap)
	}
	if len(f.sig.sent) != 0 {
		t.Fatalf("no busy signal goes back, sent %v", f.sig.sentKinds())
	}
}

func TestAcceptIncomingCall(t *testing.T) {
	f := newFixture(t)
	f.deliver(proto.NewOffer("bob", "alice", "sdp-bob"))

	if err := f.svc.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	snap := f.svc.State()
	if snap.Phase != Active || len(snap.Participants) != 1 || snap.Participants[0] != "bob" {
		t.Fatalf("want active with [bob], got %+v", snap)
	}
	if snap.Incoming != nil {
		t.Fatal("pending offer must be cleared")
	}
	if len(f.sig.sent) != 1 || f.sig.sent[0].Kind != proto.KindAnswer || f.sig.sent[0].To != "bob" {
		t.Fatalf("want one answer to bob, got %v", f.sig.sentKinds())
	}
	if _, ok := f.links.m["bob"]; !ok {
		t.Fatal("accept must create the registry entry")
	}
	f.checkInvariant(t)
}

func TestRejectSendsHangupWithoutMedia(t *testing.T) {
	f := newFixture(t)
	f.deliver(proto.NewOffer("bob", "alice", "sdp-bob"))

	if err := f.svc.Reject(); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	snap := f.svc.State()
	if snap.Phase != Idle || snap.Incoming != nil {
		t.Fatalf("want idle with no pending offer, got %+v", snap)
	}
	if len(f.sig.sent) != 1 || f.sig.sent[0].Kind != proto.KindHangup || f.sig.sent[0].To != "bob" {
		t.Fatalf("want one hangup to bob, got %v", f.sig.sentKinds())
	}
	if f.media.ensured != 0 {
		t.Fatal("reject must never acquire media")
	}
	if err := f.svc.Reject(); !errors.Is(err, ErrBadPhase) {
		t.Fatalf("second reject: want ErrBadPhase, got %v", err)
	}
}

func TestMissedCallRecordsOnceEach(t *testing.T) {
	f := newFixture(t)
	f.deliver(proto.NewOffer("bob", "alice", "sdp-bob"))
	f.deliver(proto.NewHangup("bob", "alice", "gave up"))

	if len(f.rec.notifications) != 1 || f.rec.notifications[0] != "bob" {
		t.Fatalf("want one missed-call notification from bob, got %v", f.rec.notifications)
	}
	if len(f.rec.messages) != 1 || f.rec.messages[0] != "bob" {
		t.Fatalf("want one missed-call message from bob, got %v", f.rec.messages)
	}
	snap := f.svc.State()
	if snap.Phase != Idle || snap.Incoming != nil {
		t.Fatalf("missed call must end idle, got %+v", snap)
	}

	// A hangup from someone who was never the pending caller records nothing.
	f.deliver(proto.NewHangup("carol", "alice", "noise"))
	if len(f.rec.notifications) != 1 || len(f.rec.messages) != 1 {
		t.Fatal("unrelated hangup must not record a missed call")
	}
}

func TestCallerSideHangupTearsDownFully(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.StartCall(context.Background(), []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	f.deliver(proto.NewHangup("bob", "alice", "rejected"))

	snap := f.svc.State()
	if snap.Phase != Idle || len(snap.Participants) != 0 {
		t.Fatalf("want full teardown, got %+v", snap)
	}
	if len(f.links.m) != 0 {
		t.Fatal("registry entry for bob must be gone")
	}
	if f.media.released != 1 {
		t.Fatalf("media released %d times, want exactly 1", f.media.released)
	}
	f.checkInvariant(t)
}

func TestHangupRemovesOneOfSeveral(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.StartCall(context.Background(), []string{"bob", "carol"}); err != nil {
		t.Fatal(err)
	}
	f.deliver(proto.NewHangup("bob", "alice", "bye"))

	snap := f.svc.State()
	if snap.Phase != Active || len(snap.Participants) != 1 || snap.Participants[0] != "carol" {
		t.Fatalf("want active with [carol], got %+v", snap)
	}
	if f.media.released != 0 {
		t.Fatal("media must survive while participants remain")
	}
	f.checkInvariant(t)
}

func TestLocalHangUpSendsToAllAndTearsDown(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.StartCall(context.Background(), []string{"bob", "carol"}); err != nil {
		t.Fatal(err)
	}
	f.sig.sent = nil
	f.sig.sendErr = errors.New("transport down")

	if err := f.svc.HangUp(); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	if len(f.sig.sent) != 2 {
		t.Fatalf("want hangups to both participants, got %v", f.sig.sentKinds())
	}
	snap := f.svc.State()
	if snap.Phase != Idle || f.media.released != 1 || len(f.links.m) != 0 {
		t.Fatalf("teardown must proceed despite send failures: %+v released=%d",
			snap, f.media.released)
	}
	if err := f.svc.HangUp(); !errors.Is(err, ErrBadPhase) {
		t.Fatalf("hang up while idle: want ErrBadPhase, got %v", err)
	}
}

func TestRenegotiationOfferFromParticipant(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.StartCall(context.Background(), []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	f.sig.sent = nil
	f.deliver(proto.NewOffer("bob", "alice", "sdp-v2"))

	snap := f.svc.State()
	if snap.Phase != Active || len(snap.Participants) != 1 {
		t.Fatalf("renegotiation must not change state, got %+v", snap)
	}
	if len(f.sig.sent) != 1 || f.sig.sent[0].Kind != proto.KindAnswer {
		t.Fatalf("want an immediate answer, got %v", f.sig.sentKinds())
	}
}

func TestOfferFromStrangerWhileActiveDropped(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.StartCall(context.Background(), []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	f.sig.sent = nil
	f.deliver(proto.NewOffer("mallory", "alice", "sdp-x"))

	snap := f.svc.State()
	if len(snap.Participants) != 1 || snap.Participants[0] != "bob" {
		t.Fatalf("stranger offer must change nothing, got %+v", snap)
	}
	if len(f.sig.sent) != 0 {
		t.Fatalf("no reply to a stranger offer, sent %v", f.sig.sentKinds())
	}
}

func TestAnswerJoinRaceAddsParticipant(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.StartCall(context.Background(), []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	// A link for carol exists (offer in flight) but she is not listed yet.
	if _, err := f.links.Create("carol"); err != nil {
		t.Fatal(err)
	}
	f.deliver(proto.NewAnswer("carol", "alice", "sdp-carol"))

	snap := f.svc.State()
	if !contains(snap.Participants, "carol") {
		t.Fatalf("answer join race must add carol, got %+v", snap)
	}
}

func TestStaleSignalsAreNoOps(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.StartCall(context.Background(), []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	before := f.svc.State()

	mid := "0"
	var idx uint16
	f.deliver(proto.NewAnswer("ghost", "alice", "sdp"))
	f.deliver(proto.NewCandidate("ghost", "alice", proto.Candidate{
		Candidate: "candidate:1", SDPMid: &mid, SDPMLineIndex: &idx,
	}))

	// Duplicate answer for a settled connection is ignored.
	f.links.m["bob"].answerErr = errors.New("already settled")
	f.deliver(proto.NewAnswer("bob", "alice", "sdp-dup"))

	after := f.svc.State()
	if after.Phase != before.Phase || len(after.Participants) != len(before.Participants) {
		t.Fatalf("stale signals mutated state: %+v -> %+v", before, after)
	}
}

func TestCandidateRoutedToLink(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.StartCall(context.Background(), []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	mid := "0"
	var idx uint16
	f.deliver(proto.NewCandidate("bob", "alice", proto.Candidate{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host",
		SDPMid:    &mid, SDPMLineIndex: &idx,
	}))
	if f.links.m["bob"].candidates != 1 {
		t.Fatalf("candidate not routed, got %d", f.links.m["bob"].candidates)
	}
}

func TestAddParticipant(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.StartCall(context.Background(), []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.AddParticipant(context.Background(), "carol"); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	snap := f.svc.State()
	if len(snap.Participants) != 2 || !contains(snap.Participants, "carol") {
		t.Fatalf("want bob and carol, got %+v", snap)
	}
	if err := f.svc.AddParticipant(context.Background(), "carol"); err == nil {
		t.Fatal("adding a current participant must fail")
	}
}

func TestAddParticipantOfferFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.StartCall(context.Background(), []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	f.links.offerErr = errors.New("pc closed")

	if err := f.svc.AddParticipant(context.Background(), "carol"); err == nil {
		t.Fatal("want offer error")
	}
	snap := f.svc.State()
	if contains(snap.Participants, "carol") {
		t.Fatalf("failed add must not append, got %+v", snap)
	}
	if _, ok := f.links.m["carol"]; ok {
		t.Fatal("failed add must close the link")
	}
}

func TestEventsReachSubscribers(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.svc.Subscribe()
	defer cancel()

	f.deliver(proto.NewOffer("bob", "alice", "sdp-bob"))
	ev := <-ch
	if ev.Type != EventIncoming || ev.Peer != "bob" || ev.Phase != IncomingPending {
		t.Fatalf("want incoming event from bob, got %+v", ev)
	}

	f.deliver(proto.NewHangup("bob", "alice", "gave up"))
	ev = <-ch
	if ev.Type != EventMissed || ev.Phase != Idle {
		t.Fatalf("want missed event, got %+v", ev)
	}

	cancel()
	cancel() // double cancel is a no-op
}
