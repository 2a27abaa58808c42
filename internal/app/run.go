// Package app wires the huddle services together and runs them until the
// context is cancelled.
package app

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/huddlehq/huddle/internal/call"
	"github.com/huddlehq/huddle/internal/chat"
	"github.com/huddlehq/huddle/internal/config"
	"github.com/huddlehq/huddle/internal/media"
	"github.com/huddlehq/huddle/internal/proto"
	"github.com/huddlehq/huddle/internal/rtc"
	"github.com/huddlehq/huddle/internal/signal"
	"github.com/huddlehq/huddle/internal/state"
	"github.com/huddlehq/huddle/internal/storage"
	"github.com/huddlehq/huddle/internal/util"
	"github.com/huddlehq/huddle/internal/web"
)

// Options configures one huddle instance.
type Options struct {
	// Dir is the workspace directory holding config, identity, and data.
	Dir string

	// CfgPath is the config file location (watched for changes).
	CfgPath string

	Cfg config.Config
}

// liveConfig holds the current config under a lock so presence
// announcements and reloads see a consistent view.
type liveConfig struct {
	mu  sync.RWMutex
	cfg config.Config
}

func (l *liveConfig) get() config.Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *liveConfig) set(cfg config.Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

// Run starts everything and blocks until ctx is cancelled or the web
// server fails.
func Run(ctx context.Context, opt Options) error {
	live := &liveConfig{cfg: opt.Cfg}
	cfg := opt.Cfg

	db, err := storage.Open(filepath.Join(opt.Dir, "data"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	node, err := signal.NewNode(ctx, cfg.P2P.ListenPort,
		util.ResolvePath(opt.Dir, cfg.Identity.KeyFile), cfg.P2P.MdnsTag)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()
	log.Printf("APP: peer ID %s", node.ID())

	peers := state.NewPeerTable()
	transport, err := signal.NewTransport(ctx, node, cfg.Presence.Topic, peers, func() proto.Presence {
		c := live.get()
		return proto.Presence{
			Label:         c.Profile.Label,
			Email:         c.Profile.Email,
			CallsDisabled: c.Call.Disabled,
		}
	})
	if err != nil {
		return fmt.Errorf("join signaling topic: %w", err)
	}
	defer transport.Close()

	capture, err := media.NewCaptureDevice()
	if err != nil {
		return fmt.Errorf("init capture: %w", err)
	}
	mediaCtl := media.NewController(capture)

	remote := rtc.NewRemoteStreams()
	registry, err := rtc.NewRegistry(cfg.Call.STUNServers, mediaCtl.EngineSetup, transport, remote)
	if err != nil {
		return fmt.Errorf("init webrtc: %w", err)
	}
	defer registry.CloseAll()

	chatMgr := chat.New(node.Host, db)
	defer chatMgr.Close()

	calls := call.New(transport, registryLinks{registry}, mediaCtl,
		recorder{db: db, chat: chatMgr, self: node.ID()})
	defer calls.Close()

	watcher, err := config.Watch(opt.CfgPath, func(next config.Config) {
		live.set(next)
		// Push the new profile to the roster right away.
		transport.Announce(proto.PresenceUpdate)
	})
	if err != nil {
		log.Printf("APP: config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	transport.Announce(proto.PresenceOnline)
	go heartbeatLoop(ctx, transport, peers, live)

	server := web.New(transport, calls, mediaCtl, registry, remote, peers,
		chatMgr, db, cfg.Web.AdminPasswordHash)

	if cfg.Web.OpenBrowser && cfg.Web.HTTPAddr != "" {
		if err := util.OpenURL("http://" + cfg.Web.HTTPAddr); err != nil {
			log.Printf("APP: open browser: %v", err)
		}
	}

	return server.Serve(ctx, cfg.Web.HTTPAddr)
}

// heartbeatLoop periodically re-announces presence and ages out teammates
// that stopped announcing. A peer goes offline after one TTL and is removed
// after three.
func heartbeatLoop(ctx context.Context, transport *signal.Transport, peers *state.PeerTable, live *liveConfig) {
	cfg := live.get()
	heartbeat := time.Duration(cfg.Presence.HeartbeatSec) * time.Second
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			transport.Announce(proto.PresenceOnline)
			ttl := time.Duration(live.get().Presence.TTLSec) * time.Second
			now := time.Now()
			peers.PruneStale(now.Add(-ttl), now.Add(-3*ttl))
		}
	}
}

// registryLinks adapts the rtc registry to the call service's view of it.
type registryLinks struct {
	r *rtc.Registry
}

func (l registryLinks) Create(id string) (call.Peer, error) {
	link, err := l.r.Create(id)
	if err != nil {
		return nil, err
	}
	return link, nil
}

func (l registryLinks) Get(id string) (call.Peer, bool) {
	link, ok := l.r.Get(id)
	if !ok {
		return nil, false
	}
	return link, true
}

func (l registryLinks) Close(id string) { l.r.Close(id) }
func (l registryLinks) CloseAll()       { l.r.CloseAll() }

// recorder writes missed-call side effects: one notification row and one
// chat marker, each independently best-effort.
type recorder struct {
	db   *storage.DB
	chat *chat.Manager
	self string
}

func (r recorder) MissedCallNotification(caller string) error {
	return r.db.InsertNotification(&storage.Notification{
		Kind:      storage.NotifyMissedCall,
		Recipient: r.self,
		Sender:    caller,
		Link:      caller,
	})
}

func (r recorder) MissedCallMessage(caller string) error {
	return r.chat.AddMissedCallMarker(caller)
}
