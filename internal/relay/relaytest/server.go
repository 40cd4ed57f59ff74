// Package relaytest provides an in-process websocket relay for tests.
package relaytest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Server records every frame clients send and can push frames to every
// connected client.
type Server struct {
	t   testing.TB
	srv *httptest.Server

	upgrader websocket.Upgrader

	mu      sync.Mutex
	writeMu sync.Mutex
	conns   []*websocket.Conn
	frames  []string
	onFrame func(reply func(frame string), frame string)
}

// NewServer starts a relay and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{t: t}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address of the relay.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// OnFrame installs a callback run for every received frame, after it is
// recorded. reply writes a text frame back to the sending client.
func (s *Server) OnFrame(fn func(reply func(frame string), frame string)) {
	s.mu.Lock()
	s.onFrame = fn
	s.mu.Unlock()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, string(data))
		fn := s.onFrame
		s.mu.Unlock()
		if fn != nil {
			fn(func(frame string) { s.write(conn, frame) }, string(data))
		}
	}
}

// Frames returns a copy of every frame received so far.
func (s *Server) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

// WaitFrames waits until at least n frames arrived and returns them.
func (s *Server) WaitFrames(n int, timeout time.Duration) []string {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if frames := s.Frames(); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	frames := s.Frames()
	s.t.Fatalf("relaytest: wanted %d frames, got %d: %v", n, len(frames), frames)
	return frames
}

// Clients returns the number of connections accepted so far.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Broadcast writes a text frame to every connected client.
func (s *Server) Broadcast(frame string) {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, conn := range conns {
		s.write(conn, frame)
	}
}

func (s *Server) write(conn *websocket.Conn, frame string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Ping sends a ping control frame to every connected client.
func (s *Server) Ping() {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second))
	}
}

// DropClients closes every client connection without a close handshake.
func (s *Server) DropClients() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// Close drops all clients and stops the server.
func (s *Server) Close() {
	s.DropClients()
	s.srv.Close()
}
