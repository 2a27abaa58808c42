// Package state holds the in-memory roster of teammates seen on the
// signaling topic. It is fed by presence envelopes and read by the web layer.
package state

import (
	"sync"
	"time"
)

// Teammate is everything presence tells us about one remote peer.
type Teammate struct {
	Label         string    `json:"label"`
	Email         string    `json:"email,omitempty"`
	CallsDisabled bool      `json:"calls_disabled,omitempty"`
	Reachable     bool      `json:"reachable"`
	LastSeen      time.Time `json:"last_seen"`
	OfflineSince  time.Time `json:"offline_since,omitzero"`
}

// RosterEvent is pushed to subscribers on every roster change.
type RosterEvent struct {
	Type   string    `json:"type"` // update|remove
	PeerID string    `json:"peer_id"`
	Peer   *Teammate `json:"peer,omitempty"`
}

// PeerTable tracks teammates by peer ID with listener fan-out.
type PeerTable struct {
	mu        sync.Mutex
	peers     map[string]Teammate
	listeners []chan RosterEvent
}

func NewPeerTable() *PeerTable {
	return &PeerTable{peers: map[string]Teammate{}}
}

// Upsert records a presence announcement from a peer.
func (t *PeerTable) Upsert(id, label, email string, callsDisabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tm := Teammate{
		Label:         label,
		Email:         email,
		CallsDisabled: callsDisabled,
		Reachable:     true,
		LastSeen:      time.Now(),
	}
	t.peers[id] = tm
	t.notifyListeners(RosterEvent{Type: "update", PeerID: id, Peer: &tm})
}

// Touch refreshes LastSeen without changing profile fields.
func (t *PeerTable) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tm, ok := t.peers[id]
	if !ok {
		return
	}
	tm.LastSeen = time.Now()
	t.peers[id] = tm
}

// Remove drops a peer entirely (explicit offline announcement).
func (t *PeerTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return
	}
	delete(t.peers, id)
	t.notifyListeners(RosterEvent{Type: "remove", PeerID: id})
}

// MarkOffline flags a peer unreachable but keeps it on the roster for the
// grace period.
func (t *PeerTable) MarkOffline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tm, ok := t.peers[id]
	if !ok {
		return
	}
	wasOnline := tm.OfflineSince.IsZero()
	tm.Reachable = false
	if wasOnline {
		tm.OfflineSince = time.Now()
		t.peers[id] = tm
		t.notifyListeners(RosterEvent{Type: "update", PeerID: id, Peer: &tm})
		return
	}
	t.peers[id] = tm
}

func (t *PeerTable) Get(id string) (Teammate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tm, ok := t.peers[id]
	return tm, ok
}

func (t *PeerTable) Snapshot() map[string]Teammate {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Teammate, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// PruneStale moves online peers with an expired heartbeat to offline state,
// then removes offline peers past the grace period.
func (t *PeerTable) PruneStale(ttlCutoff, graceCutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tm := range t.peers {
		if tm.OfflineSince.IsZero() {
			if tm.LastSeen.Before(ttlCutoff) {
				tm.Reachable = false
				tm.OfflineSince = time.Now()
				t.peers[id] = tm
				t.notifyListeners(RosterEvent{Type: "update", PeerID: id, Peer: &tm})
			}
		} else if tm.OfflineSince.Before(graceCutoff) {
			delete(t.peers, id)
			t.notifyListeners(RosterEvent{Type: "remove", PeerID: id})
		}
	}
}

func (t *PeerTable) Subscribe() chan RosterEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan RosterEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTable) Unsubscribe(ch chan RosterEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PeerTable) notifyListeners(evt RosterEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
