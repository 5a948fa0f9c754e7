package track

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/service-dispatch/internal/models"
)

// Hub fans position updates out to websocket subscribers, one subscriber set
// per request. A failed write drops the subscriber.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]bool
}

type Subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Subscriber) send(loc models.LiveLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(loc)
}

func (s *Subscriber) Close() error { return s.conn.Close() }

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscriber]bool)}
}

func (h *Hub) Subscribe(requestID string, conn *websocket.Conn) *Subscriber {
	sub := &Subscriber{conn: conn}
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[requestID]
	if set == nil {
		set = make(map[*Subscriber]bool)
		h.subs[requestID] = set
	}
	set[sub] = true
	return sub
}

func (h *Hub) Unsubscribe(requestID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[requestID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, requestID)
		}
	}
}

func (h *Hub) Publish(requestID string, loc models.LiveLocation) {
	h.mu.RLock()
	set := h.subs[requestID]
	subs := make([]*Subscriber, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		if err := s.send(loc); err != nil {
			_ = s.Close()
			h.Unsubscribe(requestID, s)
		}
	}
}

// CloseRequest drops every subscriber of a finished request.
func (h *Hub) CloseRequest(requestID string) {
	h.mu.Lock()
	set := h.subs[requestID]
	delete(h.subs, requestID)
	h.mu.Unlock()
	for s := range set {
		_ = s.Close()
	}
}
