package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sandboxrunner/metric-store/pkg/store"
)

// Event is pushed to watchers once per inserted sample.
type Event struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// HubConfig holds watch stream configuration
type HubConfig struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	CheckOrigin    bool
	AllowedOrigins []string
}

// DefaultHubConfig returns default watch stream configuration
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer:     256,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		CheckOrigin:    false,
		AllowedOrigins: []string{"*"},
	}
}

// Hub fans inserted samples out to WebSocket watchers of each metric.
// A watcher whose buffer is full is disconnected; insertions never wait
// on a slow client.
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // metric -> id -> subscriber
	closed      bool

	wg sync.WaitGroup
}

type subscriber struct {
	id     string
	metric string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Ensure Hub implements store.Observer
var _ store.Observer = (*Hub)(nil)

// NewHub creates a watch hub
func NewHub(config HubConfig, logger zerolog.Logger) *Hub {
	defaults := DefaultHubConfig()
	if config.SendBuffer < 1 {
		config.SendBuffer = 1
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}

	h := &Hub{
		config:      config,
		logger:      logger.With().Str("component", "stream").Logger(),
		subscribers: make(map[string]map[string]*subscriber),
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if !config.CheckOrigin {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range config.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}

	return h
}

// MetricRegistered implements store.Observer
func (h *Hub) MetricRegistered(string) {}

// SampleInserted implements store.Observer
func (h *Hub) SampleInserted(name string, value float64, count int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.subscribers[name]
	if len(subs) == 0 {
		return
	}

	msg, err := json.Marshal(Event{Metric: name, Value: value, Count: count, Timestamp: time.Now().UTC()})
	if err != nil {
		// NaN and ±Inf have no JSON encoding
		h.logger.Warn().Err(err).Str("metric", name).Msg("Dropping unencodable watch event")
		return
	}

	for _, sub := range subs {
		select {
		case sub.send <- msg:
		default:
			h.logger.Warn().
				Str("connection_id", sub.id).
				Str("metric", name).
				Msg("Watch send buffer full, disconnecting")
			sub.close()
		}
	}
}

// Serve upgrades the request and streams events for metric until the
// client disconnects or the hub is closed.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, metric string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	sub := &subscriber{
		id:     uuid.NewString(),
		metric: metric,
		conn:   conn,
		send:   make(chan []byte, h.config.SendBuffer),
		done:   make(chan struct{}),
	}

	if !h.add(sub) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		return conn.Close()
	}

	h.logger.Info().
		Str("connection_id", sub.id).
		Str("metric", metric).
		Str("remote_addr", r.RemoteAddr).
		Msg("Watch connection established")

	go func() {
		defer h.wg.Done()
		h.readPump(sub)
	}()
	go func() {
		defer h.wg.Done()
		h.writePump(sub)
	}()

	return nil
}

// Subscribers returns the number of watchers of metric
func (h *Hub) Subscribers(metric string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[metric])
}

// Close disconnects every watcher and waits for their goroutines
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, subs := range h.subscribers {
		for _, sub := range subs {
			sub.close()
		}
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// add registers sub and accounts for its two pumps. The WaitGroup is
// incremented under mu so Close cannot Wait between the two.
func (h *Hub) add(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.wg.Add(2)
	if h.subscribers[sub.metric] == nil {
		h.subscribers[sub.metric] = make(map[string]*subscriber)
	}
	h.subscribers[sub.metric][sub.id] = sub
	return true
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subscribers[sub.metric]; ok {
		if _, exists := subs[sub.id]; exists {
			delete(subs, sub.id)
			h.logger.Info().Str("connection_id", sub.id).Msg("Watch connection removed")
		}
		if len(subs) == 0 {
			delete(h.subscribers, sub.metric)
		}
	}
}

// readPump only drains control frames; watchers never send data.
func (h *Hub) readPump(sub *subscriber) {
	defer sub.close()

	sub.conn.SetReadLimit(512)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("connection_id", sub.id).Msg("Watch read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		h.remove(sub)
		_ = sub.conn.Close()
	}()

	for {
		select {
		case msg := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug().Err(err).Str("connection_id", sub.id).Msg("Watch write error")
				return
			}

		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-sub.done:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			_ = sub.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
