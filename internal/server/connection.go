package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 50 << 20
	sendBufferSize = 256
)

var (
	errConnectionClosed = errors.New("connection closed")
	errSendBufferFull   = errors.New("connection send buffer full")
)

func newUpgrader(policy originPolicy) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     policy.checkRequest,
	}
}

// wsConnection adapts a websocket to Peer. Writes go through a buffered
// channel drained by a single writer goroutine.
type wsConnection struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

func newConnection(conn *websocket.Conn, logger *zap.Logger) *wsConnection {
	return &wsConnection{
		id:     newConnectionID(),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func newConnectionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (c *wsConnection) ID() string {
	return c.id
}

// Send queues a frame without blocking. A client too slow to drain its buffer
// gets an error rather than stalling the sender.
func (c *wsConnection) Send(message ServerMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnectionClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *wsConnection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsConnection) readPump(handle func(raw []byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}
		handle(raw)
	}
}

func (c *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("websocket write failed", zap.String("connection_id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve runs one upgraded connection until the client leaves or the hub shuts
// down. Messages of a connection are handled one at a time.
func (h *Hub) Serve(ctx context.Context, userID string, conn *websocket.Conn) {
	connection := newConnection(conn, h.logger)
	go connection.writePump()

	go func() {
		select {
		case <-h.closing:
			_ = conn.Close()
		case <-ctx.Done():
			_ = conn.Close()
		case <-connection.done:
		}
	}()

	logger := h.logger.With(zap.String("connection_id", connection.ID()), zap.String("user_id", userID))
	logger.Info("sync connection opened")

	if err := h.Connect(ctx, userID, connection); err != nil {
		logger.Error("sync greeting failed", zap.Error(err))
	}
	connection.readPump(func(raw []byte) {
		if err := h.HandleMessage(ctx, userID, connection, raw); err != nil {
			logger.Error("sync message failed", zap.Error(err))
		}
	})

	h.Disconnect(connection)
	connection.close()
	<-connection.done
	logger.Info("sync connection closed")
}

// Shutdown closes every connection served by the hub.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() {
		close(h.closing)
	})
}
