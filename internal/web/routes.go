// Package web exposes the local HTTP API the UI talks to: call control,
// media toggles, roster, chat, notifications, and a live event stream.
// It binds to localhost; only the admin endpoints carry auth.
package web

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/huddlehq/huddle/internal/call"
	"github.com/huddlehq/huddle/internal/chat"
	"github.com/huddlehq/huddle/internal/media"
	"github.com/huddlehq/huddle/internal/rtc"
	"github.com/huddlehq/huddle/internal/state"
	"github.com/huddlehq/huddle/internal/storage"
)

// Transport is the status surface of the signaling layer.
type Transport interface {
	SelfID() string
	Connected() bool
}

// Server wires the HTTP API over the running services.
type Server struct {
	mux       *http.ServeMux
	transport Transport
	calls     *call.Service
	media     *media.Controller
	fanout    *rtc.Registry
	remote    *rtc.RemoteStreams
	peers     *state.PeerTable
	chat      *chat.Manager
	db        *storage.DB
	adminHash string
	started   time.Time
}

// New builds the server and registers all routes.
func New(transport Transport, calls *call.Service, mediaCtl *media.Controller,
	fanout *rtc.Registry, remote *rtc.RemoteStreams, peers *state.PeerTable,
	chatMgr *chat.Manager, db *storage.DB, adminHash string) *Server {

	s := &Server{
		mux:       http.NewServeMux(),
		transport: transport,
		calls:     calls,
		media:     mediaCtl,
		fanout:    fanout,
		remote:    remote,
		peers:     peers,
		chat:      chatMgr,
		db:        db,
		adminHash: adminHash,
		started:   time.Now(),
	}
	s.register()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) register() {
	handleGet(s.mux, "/api/status", s.handleStatus)
	handleGet(s.mux, "/api/peers", s.handlePeers)

	handlePost(s.mux, "/api/call/start", s.handleStart)
	handlePost(s.mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.calls.Accept(r.Context()); err != nil {
			httpCallError(w, err)
			return
		}
		writeJSON(w, s.calls.State())
	})
	handlePost(s.mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.calls.Reject(); err != nil {
			httpCallError(w, err)
			return
		}
		writeJSON(w, s.calls.State())
	})
	handlePost(s.mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.calls.HangUp(); err != nil {
			httpCallError(w, err)
			return
		}
		writeJSON(w, s.calls.State())
	})
	handlePost(s.mux, "/api/call/add", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer string `json:"peer"`
	}) {
		if req.Peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		if err := s.calls.AddParticipant(r.Context(), req.Peer); err != nil {
			httpCallError(w, err)
			return
		}
		writeJSON(w, s.calls.State())
	})
	handleGet(s.mux, "/api/call/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.remote.Snapshot())
	})

	handlePost(s.mux, "/api/media/toggle-mic", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		on, err := s.media.ToggleMic(r.Context(), s.fanout)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]bool{"enabled": on})
	})
	handlePost(s.mux, "/api/media/toggle-camera", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		on, err := s.media.ToggleCamera(r.Context(), s.fanout)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]bool{"enabled": on})
	})
	handlePost(s.mux, "/api/media/toggle-screen", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		on, err := s.media.ToggleScreenShare(r.Context(), s.fanout)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]bool{"enabled": on})
	})

	handlePost(s.mux, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer string `json:"peer"`
		Body string `json:"body"`
	}) {
		if req.Peer == "" || req.Body == "" {
			http.Error(w, "missing peer or body", http.StatusBadRequest)
			return
		}
		msg, err := s.chat.Send(r.Context(), req.Peer, req.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("send failed: %v", err), http.StatusBadGateway)
			return
		}
		writeJSON(w, msg)
	})
	handleGet(s.mux, "/api/chat/conversation", func(w http.ResponseWriter, r *http.Request) {
		peer := r.URL.Query().Get("peer")
		if peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		msgs, err := s.chat.Conversation(peer, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"messages": msgs})
	})

	handleGet(s.mux, "/api/notifications", func(w http.ResponseWriter, r *http.Request) {
		list, err := s.db.Notifications(s.transport.SelfID(), 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"notifications": list})
	})
	handlePost(s.mux, "/api/notifications/read", func(w http.ResponseWriter, r *http.Request, req struct {
		ID string `json:"id"`
	}) {
		if req.ID == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		if err := s.db.MarkNotificationRead(req.ID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handleGet(s.mux, "/api/events", s.handleEventsSSE)
	s.mux.HandleFunc("/api/events/ws", s.handleEventsWS)

	handleGet(s.mux, "/api/admin/stats", s.adminOnly(s.handleAdminStats))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"self":      s.transport.SelfID(),
		"connected": s.transport.Connected(),
		"call":      s.calls.State(),
		"media":     s.media.State(),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"peers": s.peers.Snapshot()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, req struct {
	Peers []string `json:"peers"`
}) {
	if len(req.Peers) == 0 {
		http.Error(w, "missing peers", http.StatusBadRequest)
		return
	}
	if err := s.calls.StartCall(r.Context(), req.Peers); err != nil {
		httpCallError(w, err)
		return
	}
	writeJSON(w, s.calls.State())
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"self":           s.transport.SelfID(),
		"connected":      s.transport.Connected(),
		"peer_count":     len(s.peers.Snapshot()),
		"link_count":     s.fanout.Len(),
		"call":           s.calls.State(),
	})
}

// adminOnly guards a handler with HTTP basic auth against the configured
// bcrypt hash. No hash configured means the endpoint is off.
func (s *Server) adminOnly(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminHash == "" {
			http.Error(w, "admin endpoints disabled", http.StatusForbidden)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" ||
			bcrypt.CompareHashAndPassword([]byte(s.adminHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="huddle admin"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		fn(w, r)
	}
}

func httpCallError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if call.IsBadPhase(err) {
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
