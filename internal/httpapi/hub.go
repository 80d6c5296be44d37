package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"outbound-dialer/internal/campaign"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	hubWriteWait   = 10 * time.Second
	hubPingPeriod  = 30 * time.Second
	hubSendBacklog = 32
)

// hubClient is one subscribed websocket. Slow consumers are dropped rather
// than allowed to stall the broadcast path.
type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans campaign snapshots and error envelopes out to websocket
// subscribers. It satisfies campaign.Notifier.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*hubClient

	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*hubClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

type hubMessage struct {
	Type       string `json:"type"`
	CampaignID string `json:"campaign_id,omitempty"`
	Data       any    `json:"data"`
}

func (h *Hub) CampaignUpdated(snap campaign.Snapshot) {
	h.broadcast(hubMessage{Type: "campaign", CampaignID: snap.ID, Data: snap})
}

func (h *Hub) CampaignError(campaignID string, p campaign.ErrorPayload) {
	h.broadcast(hubMessage{Type: "error", CampaignID: campaignID, Data: p})
}

func (h *Hub) broadcast(msg hubMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("encoding broadcast failed", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, cl := range h.clients {
		select {
		case cl.send <- payload:
		default:
			// Backlog full: the consumer stopped reading.
			delete(h.clients, id)
			close(cl.send)
			h.log.Warn("dropping slow websocket subscriber", "client_id", id)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and pumps broadcasts until the peer goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	cl := &hubClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, hubSendBacklog),
	}
	h.mu.Lock()
	h.clients[cl.id] = cl
	h.mu.Unlock()
	h.log.Info("websocket subscriber connected", "client_id", cl.id)

	go h.writePump(cl)
	h.readPump(cl)
}

// readPump discards inbound frames; the stream is one-way. Its real job is
// noticing the close.
func (h *Hub) readPump(cl *hubClient) {
	defer h.drop(cl)
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(cl *hubClient) {
	ping := time.NewTicker(hubPingPeriod)
	defer func() {
		ping.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-cl.send:
			if !ok {
				cl.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(hubWriteWait))
				return
			}
			cl.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			if err := cl.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hubWriteWait)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(cl *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[cl.id]; ok {
		delete(h.clients, cl.id)
		close(cl.send)
	}
	h.mu.Unlock()
	cl.conn.Close()
	h.log.Info("websocket subscriber disconnected", "client_id", cl.id)
}
