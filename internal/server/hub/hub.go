package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tasksync/internal/realtime"
	"tasksync/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// conn 单个 websocket 连接；只有 writeLoop 写 ws
type conn struct {
	ws        *websocket.Conn
	projectID string
	send      chan []byte
	closeOnce sync.Once
	closeCode int // writeLoop 在 send 关闭后发送的关闭码
}

func (c *conn) close(code int) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.send)
	})
}

// Hub 按项目分组的 websocket 连接，广播任务事件
type Hub struct {
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]map[*conn]struct{}
}

func New(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		conns:  make(map[string]map[*conn]struct{}),
	}
}

// ServeWS GET /ws/:project_id
func (h *Hub) ServeWS(c *gin.Context) {
	projectID := c.Param("project_id")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.String("project_id", projectID), zap.Error(err))
		return
	}

	cn := &conn{ws: ws, projectID: projectID, send: make(chan []byte, sendBuffer)}
	h.register(cn)
	go h.writeLoop(cn)
	h.readLoop(cn)
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	set, ok := h.conns[c.projectID]
	if !ok {
		set = make(map[*conn]struct{})
		h.conns[c.projectID] = set
	}
	set[c] = struct{}{}
	n := len(set)
	h.mu.Unlock()

	h.logger.Info("Client connected to project",
		zap.String("project_id", c.projectID),
		zap.Int("connections", n),
	)
}

func (h *Hub) unregister(c *conn, code int) {
	h.mu.Lock()
	set := h.conns[c.projectID]
	if _, ok := set[c]; ok {
		delete(set, c)
		c.close(code)
	}
	n := len(set)
	if n == 0 {
		delete(h.conns, c.projectID)
	}
	h.mu.Unlock()

	h.logger.Info("Client disconnected from project",
		zap.String("project_id", c.projectID),
		zap.Int("connections", n),
	)
}

// readLoop 客户端不发业务消息，只用来感知断开和处理 pong
func (h *Hub) readLoop(c *conn) {
	defer func() {
		h.unregister(c, websocket.CloseNormalClosure)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocket read error", zap.String("project_id", c.projectID), zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn("Failed to send to connection", zap.String("project_id", c.projectID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast 发送缓冲满的连接视为掉线，直接断开
func (h *Hub) Broadcast(_ context.Context, projectID string, ev realtime.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	var slow []*conn
	h.mu.RLock()
	set := h.conns[projectID]
	for c := range set {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	n := len(set)
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow connection", zap.String("project_id", projectID))
		// 1013：客户端应稍后重连
		h.unregister(c, websocket.CloseTryAgainLater)
	}

	metrics.IncrementBroadcast(string(ev.Type), "websocket")
	h.logger.Info("Broadcast to project",
		zap.String("project_id", projectID),
		zap.String("type", string(ev.Type)),
		zap.Int("connections", n),
	)
}

// Connections 项目当前的连接数
func (h *Hub) Connections(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[projectID])
}

// Close 以 1001 断开所有连接，客户端会重连到新实例
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.conns {
		for c := range set {
			c.close(websocket.CloseGoingAway)
		}
		delete(h.conns, id)
	}
}
