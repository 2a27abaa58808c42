package storage

import (
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConversationRoundTrip(t *testing.T) {
	db := openTestDB(t)

	base := time.Now().Add(-time.Minute)
	msgs := []Message{
		{From: "alice", To: "bob", Body: "hi", CreatedAt: base},
		{From: "bob", To: "alice", Body: "hello", CreatedAt: base.Add(time.Second)},
		{From: "alice", To: "carol", Body: "unrelated", CreatedAt: base.Add(2 * time.Second)},
	}
	for i := range msgs {
		if err := db.InsertMessage(&msgs[i]); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		if msgs[i].ID == "" {
			t.Fatal("insert must assign an ID")
		}
	}

	conv, err := db.Conversation("alice", "bob", 0)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(conv) != 2 {
		t.Fatalf("want 2 messages between alice and bob, got %d", len(conv))
	}
	if conv[0].Body != "hi" || conv[1].Body != "hello" {
		t.Fatalf("want chronological order, got %q then %q", conv[0].Body, conv[1].Body)
	}
	if conv[0].Kind != MessageText {
		t.Fatalf("kind defaults to text, got %q", conv[0].Kind)
	}
}

func TestMissedCallMessageMarker(t *testing.T) {
	db := openTestDB(t)

	m := Message{From: "bob", To: "alice", Kind: MessageMissedCall}
	if err := db.InsertMessage(&m); err != nil {
		t.Fatal(err)
	}
	conv, err := db.Conversation("alice", "bob", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(conv) != 1 || conv[0].Kind != MessageMissedCall {
		t.Fatalf("want one missed-call marker, got %+v", conv)
	}
	if conv[0].Body != "" || len(conv[0].Attachments) != 0 {
		t.Fatalf("marker carries no body or attachments, got %+v", conv[0])
	}
}

func TestNotifications(t *testing.T) {
	db := openTestDB(t)

	first := Notification{Kind: NotifyMissedCall, Recipient: "alice", Sender: "bob", Link: "bob"}
	if err := db.InsertNotification(&first); err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}
	second := Notification{Kind: NotifyMissedCall, Recipient: "alice", Sender: "carol", Link: "carol",
		CreatedAt: time.Now().Add(time.Second)}
	if err := db.InsertNotification(&second); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertNotification(&Notification{
		Kind: NotifyMissedCall, Recipient: "bob", Sender: "alice",
	}); err != nil {
		t.Fatal(err)
	}

	got, err := db.Notifications("alice", 0)
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 entries for alice, got %d", len(got))
	}
	if got[0].Sender != "carol" {
		t.Fatalf("want newest first, got %+v", got)
	}
	if got[0].Read || got[1].Read {
		t.Fatal("new entries start unread")
	}

	if err := db.MarkNotificationRead(first.ID); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	got, err = db.Notifications("alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range got {
		if n.ID == first.ID && !n.Read {
			t.Fatal("marked entry must read back as read")
		}
	}

	// Unknown ID is a no-op, not an error.
	if err := db.MarkNotificationRead("nope"); err != nil {
		t.Fatalf("unknown id: %v", err)
	}
}
