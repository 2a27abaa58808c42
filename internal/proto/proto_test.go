package proto

import (
	"strings"
	"testing"
)

func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", `{`, "envelope"},
		{"unknown kind", `{"kind":"ring","from":"a","to":"b","ts":1}`, "unknown kind"},
		{"offer without payload", `{"kind":"offer","from":"a","to":"b","ts":1}`, "offer requires"},
		{"offer without recipient", `{"kind":"offer","from":"a","ts":1,"offer":{"sdp":"x"}}`, "offer requires"},
		{"missing sender", `{"kind":"hangup","to":"b","ts":1,"hangup":{}}`, "missing sender"},
		{"addressed presence", `{"kind":"presence","from":"a","to":"b","ts":1,"presence":{"type":"online"}}`, "broadcast"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.raw)); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			} else if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestDecodeCarriesTypedPayload(t *testing.T) {
	env := NewOffer("alice", "bob", "v=0 fake sdp")
	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindOffer || got.From != "alice" || got.To != "bob" {
		t.Fatalf("header mismatch: %+v", got)
	}
	if got.Offer == nil || got.Offer.SDP != "v=0 fake sdp" {
		t.Fatalf("offer payload lost: %+v", got.Offer)
	}
	if got.Answer != nil || got.Candidate != nil || got.Hangup != nil || got.Presence != nil {
		t.Fatalf("unexpected extra payloads: %+v", got)
	}
}

func TestEncodeStripsMismatchedPayloads(t *testing.T) {
	env := NewHangup("alice", "bob", "declined")
	// Simulate a buggy caller attaching a second payload.
	env.Offer = &Offer{SDP: "should not survive"}

	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Offer != nil {
		t.Fatal("mismatched offer payload survived encoding")
	}
	if got.Hangup == nil || got.Hangup.Reason != "declined" {
		t.Fatalf("hangup payload lost: %+v", got.Hangup)
	}
}

func TestPresenceBroadcast(t *testing.T) {
	env := NewPresence("alice", Presence{Type: PresenceOnline, Label: "Alice"})
	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.To != "" {
		t.Fatalf("presence should be broadcast, got recipient %q", got.To)
	}
	if got.Presence.Label != "Alice" {
		t.Fatalf("label lost: %+v", got.Presence)
	}
}
