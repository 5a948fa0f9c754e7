package notify

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession is one connected provider socket. Writes are serialized because
// gorilla/websocket permits only a single concurrent writer.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *WSSession) Close() error { return s.conn.Close() }

// WSRegistry tracks connected provider sessions keyed by provider ID.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(providerID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[providerID]; ok {
		_ = old.Close()
	}
	r.sessions[providerID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[providerID]; ok {
		_ = s.Close()
		delete(r.sessions, providerID)
	}
}

// Send implements Transport for providers with a live socket.
func (r *WSRegistry) Send(_ context.Context, providerID string, payload []byte) error {
	r.mu.RLock()
	s, ok := r.sessions[providerID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(payload)
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
