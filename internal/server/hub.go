package server

import (
	"net/http"
	"sync"
	"time"

	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/ranking"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendBuffer = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // leaderboards are public
	},
}

type wsClient struct {
	conn *websocket.Conn
	send chan ranking.Update
}

// Hub fans committed leaderboards out to websocket subscribers of a tournament.
// A new subscriber immediately receives the latest update seen for its tournament.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*wsClient]struct{}
	latest  map[uuid.UUID]ranking.Update
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewHub(metrics *observability.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]map[*wsClient]struct{}),
		latest:  make(map[uuid.UUID]ranking.Update),
		metrics: metrics,
		logger:  logger,
	}
}

// Publish implements ranking.Publisher. Slow clients miss updates rather than
// stalling the ranking engine.
func (h *Hub) Publish(u ranking.Update) {
	h.mu.Lock()
	if prev, ok := h.latest[u.TournamentID]; !ok || prev.Version <= u.Version {
		h.latest[u.TournamentID] = u
	}
	clients := make([]*wsClient, 0, len(h.clients[u.TournamentID]))
	for c := range h.clients[u.TournamentID] {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- u:
		default:
			if h.metrics != nil {
				h.metrics.PublishDrops.WithLabelValues("websocket").Inc()
			}
		}
	}
}

// Subscribers returns the number of connected clients for a tournament.
func (h *Hub) Subscribers(tournamentID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[tournamentID])
}

// ServeWS upgrades the request and streams leaderboard updates for tournamentID
// until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, tournamentID uuid.UUID) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{conn: conn, send: make(chan ranking.Update, wsSendBuffer)}

	h.mu.Lock()
	if h.clients[tournamentID] == nil {
		h.clients[tournamentID] = make(map[*wsClient]struct{})
	}
	h.clients[tournamentID][c] = struct{}{}
	if u, ok := h.latest[tournamentID]; ok {
		c.send <- u
	}
	h.mu.Unlock()

	h.logger.Debug().Str("tournament_id", tournamentID.String()).Msg("websocket client connected")

	done := make(chan struct{})
	go h.readPump(c, done)
	h.writePump(c, done)

	h.mu.Lock()
	delete(h.clients[tournamentID], c)
	if len(h.clients[tournamentID]) == 0 {
		delete(h.clients, tournamentID)
	}
	h.mu.Unlock()
	conn.Close()
}

// readPump discards client frames and closes done when the connection drops.
func (h *Hub) readPump(c *wsClient, done chan struct{}) {
	defer close(done)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case u := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(u); err != nil {
				h.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
