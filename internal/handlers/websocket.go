package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// wsGroup is the consumer group the hub subscribes under. The bus fans
// every message out per group, so mirroring here never steals deliveries
// from the pipeline services.
const wsGroup = "ws"

// defaultSendBuffer is the per-client outbound queue when the config
// does not set one.
const defaultSendBuffer = 64

// WSMessage is the envelope for every frame sent to a client.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// LogEntry is a log line shaped for the dashboard log panel.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// StatusUpdate is sent once on connect.
type StatusUpdate struct {
	Service          string `json:"service"`
	Status           string `json:"status"`
	ServerInstanceID string `json:"serverInstanceId"` // Unique ID per server startup - clients clear state on change
}

// PipelineEventUpdate mirrors one bus message to the dashboard.
type PipelineEventUpdate struct {
	Topic         string          `json:"topic"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	ReceivedAt    time.Time       `json:"received_at"`
}

// wsClient is one connected dashboard. All writes go through send so the
// connection has a single writer.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// writePump serializes writes to the connection. gorilla allows at most
// one concurrent writer per conn.
func (c *wsClient) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	c.conn.Close()
}

// WebSocketHandler fans pipeline events and log lines out to connected
// dashboard clients.
type WebSocketHandler struct {
	logger           arbor.ILogger
	mu               sync.RWMutex
	clients          map[*wsClient]bool
	sendBuffer       int
	serverInstanceID string // Unique ID generated on startup - clients use to detect server restart
}

// NewWebSocketHandler creates the hub. The bus subscription is wired
// separately via Register.
func NewWebSocketHandler(config *common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	sendBuffer := defaultSendBuffer
	if config != nil && config.SendBuffer > 0 {
		sendBuffer = config.SendBuffer
	}

	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*wsClient]bool),
		sendBuffer:       sendBuffer,
		serverInstanceID: uuid.New().String(),
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized with server instance ID")

	return h
}

// Register subscribes the hub to the pipeline topics it mirrors. Must be
// called before the bus starts.
func (h *WebSocketHandler) Register(eventBus interfaces.EventBus) error {
	for _, topic := range progressTopics() {
		if err := eventBus.Subscribe(topic, wsGroup, h.handlePipelineEvent); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// progressTopics lists the batch, completion, and matching topics the
// dashboard follows.
func progressTopics() []string {
	topics := []string{
		models.TopicImagesReadyBatch,
		models.TopicImagesMaskedBatch,
		models.TopicKeyframesReadyBatch,
		models.TopicKeyframesMaskedBatch,
		models.TopicMatchingCompleted,
	}
	for _, assetType := range []models.AssetType{models.AssetTypeImage, models.AssetTypeVideo} {
		for _, stage := range []models.Stage{models.StageSegmentation, models.StageEmbeddings, models.StageKeypoints} {
			topics = append(topics, models.TopicStageCompleted(assetType, stage))
		}
	}
	return topics
}

// handlePipelineEvent mirrors one bus message to the clients. Always
// returns nil: a dashboard hiccup must never bounce a pipeline message.
func (h *WebSocketHandler) handlePipelineEvent(ctx context.Context, delivery interfaces.Delivery) error {
	h.BroadcastPipelineEvent(PipelineEventUpdate{
		Topic:         delivery.Topic,
		CorrelationID: delivery.CorrelationID,
		Payload:       json.RawMessage(delivery.Body),
		ReceivedAt:    time.Now(),
	})
	return nil
}

// HandleWebSocket upgrades the connection and serves it until the client
// goes away.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
	}

	h.mu.Lock()
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	go client.writePump()

	h.sendStatus(client)

	// Handle client disconnection
	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		clientCount := len(h.clients)
		h.mu.Unlock()

		// Safe to close now: broadcasts only enqueue while the client is
		// still in the map.
		close(client.send)
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", clientCount)
	}()

	// Read messages from client (keep connection alive)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// BroadcastPipelineEvent sends one bus event to all connected clients.
func (h *WebSocketHandler) BroadcastPipelineEvent(update PipelineEventUpdate) {
	h.broadcast("pipeline_event", update)
}

// BroadcastLog fans a log line out to every connected client.
// NOTE: never log from this path - a log here would feed back through
// the websocket log writer and loop.
func (h *WebSocketHandler) BroadcastLog(entry LogEntry) {
	data, err := json.Marshal(WSMessage{Type: "log", Payload: entry})
	if err != nil {
		return
	}
	h.fanout(data)
}

// ClientCount reports connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHandler) broadcast(msgType string, payload interface{}) {
	data, err := json.Marshal(WSMessage{Type: msgType, Payload: payload})
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("Failed to marshal WebSocket message")
		return
	}
	h.fanout(data)
}

func (h *WebSocketHandler) fanout(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Slow consumer: drop the frame rather than stall the hub.
		}
	}
}

// sendStatus sends the initial status frame to a single client.
func (h *WebSocketHandler) sendStatus(client *wsClient) {
	status := StatusUpdate{
		Service:          "ONLINE",
		Status:           "ONLINE",
		ServerInstanceID: h.serverInstanceID,
	}

	data, err := json.Marshal(WSMessage{Type: "status", Payload: status})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal initial status")
		return
	}

	select {
	case client.send <- data:
	default:
	}
}
