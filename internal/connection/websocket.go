package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Abdulrahman-Burham/healix-sub001/internal/apperr"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketConfig websocket 传输配置
type WebSocketConfig struct {
	URL              string        // 如 "ws://localhost:8000/ws"
	PingInterval     time.Duration // 0 表示不发送 ping、不设置读超时
	HandshakeTimeout time.Duration
}

// WebSocketTransport 基于 gorilla/websocket 的推送传输
//
// token 同时放在查询参数与 Authorization 头中；
// 每帧为 JSON 信封 {"event": "...", "data": {...}}。
type WebSocketTransport struct {
	config WebSocketConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewWebSocketTransport 创建 websocket 传输
func NewWebSocketTransport(cfg WebSocketConfig, logger *zap.Logger) *WebSocketTransport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &WebSocketTransport{
		config: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger: logger,
	}
}

// Dial 建立 websocket 连接
func (t *WebSocketTransport) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(t.config.URL)
	if err != nil {
		return nil, apperr.Transport("invalid websocket url", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := t.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, apperr.Transport(fmt.Sprintf("websocket handshake failed with status %d", resp.StatusCode), err)
		}
		return nil, apperr.Transport("websocket dial failed", err)
	}

	c := &wsConn{
		ws:           ws,
		pingInterval: t.config.PingInterval,
		closed:       make(chan struct{}),
		logger:       t.logger,
	}

	if c.pingInterval > 0 {
		pongWait := 2 * c.pingInterval
		ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		go c.pingLoop()
	}

	return c, nil
}

type wsConn struct {
	ws           *websocket.Conn
	pingInterval time.Duration
	closed       chan struct{}
	closeOnce    sync.Once
	logger       *zap.Logger
}

// ReadEvent 读取下一帧；无法解析的帧记录后跳过
func (c *wsConn) ReadEvent() (models.Event, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket closed unexpectedly", zap.Error(err))
			}
			return models.Event{}, apperr.Transport("websocket read failed", err)
		}

		var event models.Event
		if err := json.Unmarshal(data, &event); err != nil || event.Name == "" {
			c.logger.Warn("Dropped malformed push frame",
				zap.Int("size", len(data)),
				zap.Error(err),
			)
			continue
		}
		return event, nil
	}
}

// Close 关闭连接（可重复调用）
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.pingInterval)); err != nil {
				c.logger.Debug("Failed to send websocket ping", zap.Error(err))
				return
			}
		}
	}
}
