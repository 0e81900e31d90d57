package fanout

import (
	"sync"

	"github.com/ordermesh/ordermesh-backend/pkg/config"
	"github.com/ordermesh/ordermesh-backend/pkg/logger"
	"github.com/ordermesh/ordermesh-backend/pkg/metrics"
)

const defaultQueueCapacity = 64

// Session is one connected client. Outbound messages flow through a bounded
// queue; the websocket write pump drains it. When the queue is full the hub
// applies the slow-consumer policy instead of blocking the broadcast path.
type Session struct {
	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(capacity int) *Session {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Session{
		send:   make(chan []byte, capacity),
		closed: make(chan struct{}),
	}
}

// Outbound returns the channel the write pump drains.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Closed is signaled when the hub decides the session must go away.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// Hub is the in-memory subscription map: correlation key -> live sessions.
// Delivery is per-instance and best effort; duplicates from the broker are
// rebroadcast as-is.
type Hub struct {
	cfg     config.FanoutConfig
	logg    *logger.Logger
	metrics *metrics.FanoutMetrics

	mu   sync.RWMutex
	subs map[string]map[*Session]struct{}
	keys map[*Session][]string
}

func NewHub(cfg config.FanoutConfig, logg *logger.Logger, m *metrics.FanoutMetrics) *Hub {
	return &Hub{
		cfg:     cfg,
		logg:    logg,
		metrics: m,
		subs:    make(map[string]map[*Session]struct{}),
		keys:    make(map[*Session][]string),
	}
}

// Subscribe registers a new session under the given correlation keys.
func (h *Hub) Subscribe(keys ...string) *Session {
	session := newSession(h.cfg.QueueCapacity)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys[session] = []string{}
	for _, key := range keys {
		if key == "" {
			continue
		}
		set, ok := h.subs[key]
		if !ok {
			set = make(map[*Session]struct{})
			h.subs[key] = set
		}
		set[session] = struct{}{}
		h.keys[session] = append(h.keys[session], key)
	}
	h.metrics.IncConnections()
	return session
}

// UnsubscribeAll removes the session from every key it subscribed to.
func (h *Hub) UnsubscribeAll(session *Session) {
	h.mu.Lock()
	keys := h.keys[session]
	delete(h.keys, session)
	for _, key := range keys {
		if set, ok := h.subs[key]; ok {
			delete(set, session)
			if len(set) == 0 {
				delete(h.subs, key)
			}
		}
	}
	h.mu.Unlock()

	if keys != nil {
		h.metrics.DecConnections()
	}
	session.close()
}

// Broadcast enqueues data to every session subscribed to the key. A saturated
// session either loses this message (drop policy) or is closed (close
// policy); it never blocks other subscribers.
func (h *Hub) Broadcast(key string, data []byte) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.subs[key]))
	for session := range h.subs[key] {
		sessions = append(sessions, session)
	}
	h.mu.RUnlock()

	var toClose []*Session
	for _, session := range sessions {
		select {
		case session.send <- data:
			h.metrics.IncDelivered()
		default:
			if h.cfg.DropSlowConsumers() {
				h.metrics.IncDropped()
				continue
			}
			h.metrics.IncClosedSlow()
			toClose = append(toClose, session)
		}
	}

	for _, session := range toClose {
		h.UnsubscribeAll(session)
	}
}

// SubscriberCount reports the live sessions under a key.
func (h *Hub) SubscriberCount(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}
