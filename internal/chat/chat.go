// Package chat sends direct messages between teammates over a libp2p
// stream protocol and persists them in the local database. Missed-call
// markers from the call layer land in the same history.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/huddlehq/huddle/internal/proto"
	"github.com/huddlehq/huddle/internal/storage"
	"github.com/huddlehq/huddle/internal/util"
)

// recentMessages is how many messages the in-memory buffer keeps for the
// event stream's initial backlog. Full history lives in the database.
const recentMessages = 100

// maxMessageSize bounds one inbound message stream.
const maxMessageSize = 64 * 1024

// Manager handles direct chat for the local peer.
type Manager struct {
	host   host.Host
	db     *storage.DB
	selfID string
	recent *util.RingBuffer[*storage.Message]

	mu        sync.Mutex
	listeners map[chan *storage.Message]struct{}
}

// New creates the chat manager and registers its stream handler.
func New(h host.Host, db *storage.DB) *Manager {
	m := &Manager{
		host:      h,
		db:        db,
		selfID:    h.ID().String(),
		recent:    util.NewRingBuffer[*storage.Message](recentMessages),
		listeners: make(map[chan *storage.Message]struct{}),
	}
	h.SetStreamHandler(protocol.ID(proto.ChatProtoID), m.handleStream)
	return m
}

// Send delivers a direct message to a teammate and records it locally.
func (m *Manager) Send(ctx context.Context, toPeerID, body string) (*storage.Message, error) {
	pid, err := peer.Decode(toPeerID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer ID: %w", err)
	}

	msg := &storage.Message{
		From:      m.selfID,
		To:        toPeerID,
		Kind:      storage.MessageText,
		Body:      body,
		CreatedAt: time.Now(),
	}

	stream, err := m.host.NewStream(ctx, pid, protocol.ID(proto.ChatProtoID))
	if err != nil {
		return nil, fmt.Errorf("open chat stream: %w", err)
	}
	defer stream.Close()
	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	m.record(msg)
	log.Printf("CHAT: sent message to %s", toPeerID)
	return msg, nil
}

// AddMissedCallMarker records a missed call from callerID as a chat message
// addressed to the local user. It never reaches the wire.
func (m *Manager) AddMissedCallMarker(callerID string) error {
	msg := &storage.Message{
		From:      callerID,
		To:        m.selfID,
		Kind:      storage.MessageMissedCall,
		CreatedAt: time.Now(),
	}
	if err := m.db.InsertMessage(msg); err != nil {
		return err
	}
	m.push(msg)
	return nil
}

// Recent returns the newest buffered messages, oldest first.
func (m *Manager) Recent(n int) []*storage.Message {
	return m.recent.Last(n)
}

// Conversation returns the stored history with one teammate.
func (m *Manager) Conversation(peerID string, limit int) ([]storage.Message, error) {
	return m.db.Conversation(m.selfID, peerID, limit)
}

// SelfID returns the local peer ID.
func (m *Manager) SelfID() string { return m.selfID }

// Subscribe returns a channel of new messages and a cancel func. Slow
// consumers miss messages rather than block delivery.
func (m *Manager) Subscribe() (chan *storage.Message, func()) {
	ch := make(chan *storage.Message, 16)
	m.mu.Lock()
	m.listeners[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, ch)
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Close removes the stream handler and drops all listeners.
func (m *Manager) Close() {
	m.host.RemoveStreamHandler(protocol.ID(proto.ChatProtoID))
	m.mu.Lock()
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = make(map[chan *storage.Message]struct{})
	m.mu.Unlock()
}

func (m *Manager) handleStream(stream network.Stream) {
	defer stream.Close()
	remote := stream.Conn().RemotePeer().String()

	var msg storage.Message
	if err := json.NewDecoder(io.LimitReader(stream, maxMessageSize)).Decode(&msg); err != nil {
		log.Printf("CHAT: decode message from %s: %v", remote, err)
		return
	}
	// The stream authenticates the sender; a mismatched From field is a
	// spoof attempt.
	if msg.From != remote {
		log.Printf("CHAT: message from %s claims sender %s, rejecting", remote, msg.From)
		return
	}
	if msg.Kind != storage.MessageText {
		log.Printf("CHAT: rejecting inbound %q message from %s", msg.Kind, remote)
		return
	}
	msg.To = m.selfID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.record(&msg)
	log.Printf("CHAT: received message from %s", remote)
}

// record persists a message and fans it out. A persistence failure is
// logged; the message still reaches live listeners.
func (m *Manager) record(msg *storage.Message) {
	if err := m.db.InsertMessage(msg); err != nil {
		log.Printf("CHAT: store message %s: %v", msg.ID, err)
	}
	m.push(msg)
}

func (m *Manager) push(msg *storage.Message) {
	m.recent.Push(msg)
	m.mu.Lock()
	for ch := range m.listeners {
		select {
		case ch <- msg:
		default:
		}
	}
	m.mu.Unlock()
}
