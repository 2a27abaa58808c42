package web

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Localhost UI only; the listener never leaves the loopback interface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// apiEvent is one entry on the merged event stream.
type apiEvent struct {
	Stream string `json:"stream"`
	Data   any    `json:"data"`
}

// eventFeed merges call, roster, remote-stream, and chat events into one
// channel for the duration of one client connection.
func (s *Server) eventFeed(done <-chan struct{}) <-chan apiEvent {
	out := make(chan apiEvent, 32)

	callCh, cancelCall := s.calls.Subscribe()
	chatCh, cancelChat := s.chat.Subscribe()
	rosterCh := s.peers.Subscribe()
	streamCh := s.remote.Subscribe()

	go func() {
		defer func() {
			cancelCall()
			cancelChat()
			s.peers.Unsubscribe(rosterCh)
			s.remote.Unsubscribe(streamCh)
			close(out)
		}()
		for {
			var ev apiEvent
			select {
			case <-done:
				return
			case e, ok := <-callCh:
				if !ok {
					return
				}
				ev = apiEvent{Stream: "call", Data: e}
			case m, ok := <-chatCh:
				if !ok {
					return
				}
				ev = apiEvent{Stream: "chat", Data: m}
			case e, ok := <-rosterCh:
				if !ok {
					return
				}
				ev = apiEvent{Stream: "roster", Data: e}
			case e, ok := <-streamCh:
				if !ok {
					return
				}
				ev = apiEvent{Stream: "media", Data: e}
			}
			select {
			case out <- ev:
			default:
				// Client cannot keep up; drop rather than stall the feed.
			}
		}
	}()
	return out
}

// handleEventsSSE streams merged events as server-sent events.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher := sseHeaders(w)
	if flusher == nil {
		return
	}
	feed := s.eventFeed(r.Context().Done())

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-feed:
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Stream, data)
			flusher.Flush()
		}
	}
}

// handleEventsWS streams the same merged events over a WebSocket.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WEB: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	// Drain inbound frames (pings, close) and detect disconnect.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	feed := s.eventFeed(done)
	for {
		select {
		case <-done:
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
