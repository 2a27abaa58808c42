package signal

import (
	"context"
	"log"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"

	"github.com/huddlehq/huddle/internal/proto"
	"github.com/huddlehq/huddle/internal/state"
)

// SelfInfo supplies the fields published in presence announcements. Read
// fresh on every publish so config reloads take effect without restart.
type SelfInfo func() proto.Presence

// Transport is the signaling channel: a single GossipSub topic carrying
// addressed call envelopes and broadcast presence.
//
// Send is fire-and-forget and silently drops when the node has no live
// connections; there is no slower fallback path and no retry. Subscribers
// never see their own sends nor envelopes addressed to another peer.
type Transport struct {
	node   *Node
	selfID string
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	peers  *state.PeerTable
	self   SelfInfo

	connMu sync.Mutex
	conns  int

	listenerMu sync.RWMutex
	listeners  map[chan *proto.Envelope]struct{}
}

// NewTransport joins the signaling topic and starts the receive loop.
// Inbound presence updates the roster; all other envelopes fan out to
// subscribers.
func NewTransport(ctx context.Context, node *Node, topicName string, peers *state.PeerTable, self SelfInfo) (*Transport, error) {
	if topicName == "" {
		topicName = proto.SignalTopic
	}
	topic, err := node.ps.Join(topicName)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}

	t := &Transport{
		node:      node,
		selfID:    node.ID(),
		topic:     topic,
		sub:       sub,
		peers:     peers,
		self:      self,
		listeners: make(map[chan *proto.Envelope]struct{}),
	}
	t.conns = len(node.Host.Network().Conns())

	node.Host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(network.Network, network.Conn) {
			t.connMu.Lock()
			t.conns++
			t.connMu.Unlock()
		},
		DisconnectedF: func(network.Network, network.Conn) {
			t.connMu.Lock()
			if t.conns > 0 {
				t.conns--
			}
			t.connMu.Unlock()
		},
	})

	go t.receiveLoop(ctx)
	return t, nil
}

// SelfID returns the local peer identifier used as the envelope sender.
func (t *Transport) SelfID() string { return t.selfID }

// Connected reports whether the node currently has at least one live
// connection into the mesh.
func (t *Transport) Connected() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conns > 0
}

// Send publishes an envelope. Fire-and-forget: when disconnected the send
// is dropped silently (logged only), never queued or retried.
func (t *Transport) Send(env *proto.Envelope) error {
	if !t.Connected() {
		log.Printf("SIGNAL: dropping %s to %q, transport not connected", env.Kind, env.To)
		return nil
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.topic.Publish(ctx, data); err != nil {
		// Best-effort channel: a failed publish is the same as a lost message.
		log.Printf("SIGNAL: publish %s failed: %v", env.Kind, err)
	}
	return nil
}

// Announce broadcasts a presence envelope of the given type.
func (t *Transport) Announce(typ string) {
	p := t.self()
	p.Type = typ
	p.Addrs = t.node.Addrs()
	_ = t.Send(proto.NewPresence(t.selfID, p))
}

// Subscribe registers a listener for inbound call-signaling envelopes.
// The cancel func must be called to release the channel.
func (t *Transport) Subscribe() (chan *proto.Envelope, func()) {
	ch := make(chan *proto.Envelope, 64)

	t.listenerMu.Lock()
	t.listeners[ch] = struct{}{}
	t.listenerMu.Unlock()

	cancel := func() {
		t.listenerMu.Lock()
		if _, ok := t.listeners[ch]; ok {
			delete(t.listeners, ch)
			close(ch)
		}
		t.listenerMu.Unlock()
	}
	return ch, cancel
}

func (t *Transport) receiveLoop(ctx context.Context) {
	for {
		m, err := t.sub.Next(ctx)
		if err != nil {
			return
		}
		if env := t.accept(m.Data); env != nil {
			t.deliver(env)
		}
	}
}

// accept decodes and filters one raw pubsub message. Returns nil for
// anything a subscriber must not see: malformed envelopes, our own sends,
// and envelopes addressed to someone else. Presence is consumed here.
func (t *Transport) accept(data []byte) *proto.Envelope {
	env, err := proto.Decode(data)
	if err != nil {
		return nil
	}
	if env.From == t.selfID {
		return nil
	}
	if env.To != "" && env.To != t.selfID {
		return nil
	}

	if env.Kind == proto.KindPresence {
		t.handlePresence(env)
		return nil
	}
	return env
}

func (t *Transport) handlePresence(env *proto.Envelope) {
	p := env.Presence
	switch p.Type {
	case proto.PresenceOnline, proto.PresenceUpdate:
		if t.peers != nil {
			t.peers.Upsert(env.From, p.Label, p.Email, p.CallsDisabled)
		}
		if t.node != nil {
			t.node.AddPeerAddrs(env.From, p.Addrs, 30*time.Second)
		}
	case proto.PresenceOffline:
		if t.peers != nil {
			t.peers.Remove(env.From)
		}
	}
}

// deliver fans an envelope out to all subscribers. Slow subscribers lose
// messages rather than block the receive loop.
func (t *Transport) deliver(env *proto.Envelope) {
	t.listenerMu.RLock()
	for ch := range t.listeners {
		select {
		case ch <- env:
		default:
		}
	}
	t.listenerMu.RUnlock()
}

// Close announces offline and shuts down all listeners.
func (t *Transport) Close() {
	t.Announce(proto.PresenceOffline)

	t.listenerMu.Lock()
	for ch := range t.listeners {
		close(ch)
	}
	t.listeners = map[chan *proto.Envelope]struct{}{}
	t.listenerMu.Unlock()
}
