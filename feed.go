// feed.go
package main

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Constants for the live feed connections
const (
	// How often queued events are flushed to subscribers
	FlushInterval = 500 * time.Millisecond

	// Maximum message size allowed from a subscriber
	MaxMessageSize = 1024 * 1024 // 1MB

	// Time allowed to write a message to a subscriber
	WriteWait = 10 * time.Second

	// Time allowed to read the next pong message from a subscriber
	PongWait = 60 * time.Second

	// Send pings with this period (must be less than PongWait)
	PingInterval = (PongWait * 9) / 10
)

// ActivityEvent is one message pushed to dashboard subscribers: either a
// single analysis outcome or a periodic stats snapshot.
type ActivityEvent struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"` // "analysis" or "stats"
	Label     string         `json:"label,omitempty"`
	Status    string         `json:"status,omitempty"`
	Stats     *StatsSnapshot `json:"stats,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ActivityFeed pushes dashboard events to connected websocket clients so
// an open dashboard updates without polling.
type ActivityFeed struct {
	// subscribersMtx protects access to the subscribers map
	subscribersMtx sync.Mutex
	subscribers    map[*websocket.Conn]bool

	// eventsMtx protects access to the pending slice
	eventsMtx sync.Mutex
	pending   []ActivityEvent

	upgrader websocket.Upgrader
	done     chan struct{}
	once     sync.Once
}

// NewActivityFeed creates a feed that accepts connections from the given
// origins. An empty Origin header (direct connections) is always allowed.
func NewActivityFeed(allowedOrigins []string) *ActivityFeed {
	return &ActivityFeed{
		subscribers: make(map[*websocket.Conn]bool),
		done:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range allowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
	}
}

// Start launches the broadcaster goroutine.
func (f *ActivityFeed) Start() {
	go f.broadcaster()
}

// Stop shuts the broadcaster down and closes all connections.
func (f *ActivityFeed) Stop() {
	f.once.Do(func() {
		close(f.done)
	})

	f.subscribersMtx.Lock()
	defer f.subscribersMtx.Unlock()
	for conn := range f.subscribers {
		conn.Close()
		delete(f.subscribers, conn)
	}
}

// PublishAnalysis queues an analysis outcome for broadcast.
func (f *ActivityFeed) PublishAnalysis(label, status string) {
	f.queue(ActivityEvent{
		ID:        uuid.NewString(),
		Kind:      "analysis",
		Label:     label,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
}

// PublishStats queues a stats snapshot for broadcast.
func (f *ActivityFeed) PublishStats(snap StatsSnapshot) {
	f.queue(ActivityEvent{
		ID:        uuid.NewString(),
		Kind:      "stats",
		Stats:     &snap,
		Timestamp: time.Now().UTC(),
	})
}

// SubscriberCount returns the number of connected clients.
func (f *ActivityFeed) SubscriberCount() int {
	f.subscribersMtx.Lock()
	defer f.subscribersMtx.Unlock()
	return len(f.subscribers)
}

func (f *ActivityFeed) queue(event ActivityEvent) {
	f.eventsMtx.Lock()
	defer f.eventsMtx.Unlock()
	f.pending = append(f.pending, event)
}

// HandleWebSocket upgrades the request and registers the subscriber.
func (f *ActivityFeed) HandleWebSocket(c *gin.Context) {
	conn, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to set websocket upgrade: %v", err)
		return
	}

	f.subscribersMtx.Lock()
	f.subscribers[conn] = true
	f.subscribersMtx.Unlock()

	f.readLoop(conn)
}

// readLoop drains (and discards) messages from a subscriber so pongs are
// processed, and removes the subscriber when the connection drops.
func (f *ActivityFeed) readLoop(conn *websocket.Conn) {
	defer func() {
		f.subscribersMtx.Lock()
		delete(f.subscribers, conn)
		f.subscribersMtx.Unlock()
		conn.Close()
		log.Println("Feed subscriber disconnected")
	}()

	conn.SetReadLimit(MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
	}
}

// broadcaster flushes pending events to every subscriber and keeps the
// connections alive with periodic pings.
func (f *ActivityFeed) broadcaster() {
	flush := time.NewTicker(FlushInterval)
	ping := time.NewTicker(PingInterval)
	defer flush.Stop()
	defer ping.Stop()

	for {
		select {
		case <-f.done:
			return

		case <-flush.C:
			f.eventsMtx.Lock()
			events := f.pending
			f.pending = nil
			f.eventsMtx.Unlock()

			for _, event := range events {
				f.send(event)
			}

		case <-ping.C:
			f.subscribersMtx.Lock()
			for conn := range f.subscribers {
				conn.SetWriteDeadline(time.Now().Add(WriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					delete(f.subscribers, conn)
				}
			}
			f.subscribersMtx.Unlock()
		}
	}
}

// send writes one event to every subscriber, dropping dead connections.
func (f *ActivityFeed) send(event ActivityEvent) {
	f.subscribersMtx.Lock()
	defer f.subscribersMtx.Unlock()

	for conn := range f.subscribers {
		conn.SetWriteDeadline(time.Now().Add(WriteWait))
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("Failed to send event to subscriber: %v", err)
			conn.Close()
			delete(f.subscribers, conn)
		}
	}
}
