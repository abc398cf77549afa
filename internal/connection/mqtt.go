package connection

import (
	"context"
	"encoding/json"
	"sync"

	commonconfig "github.com/Abdulrahman-Burham/healix-sub001/common/config"
	"github.com/Abdulrahman-Burham/healix-sub001/common/mqtt"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/apperr"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTTransport 基于 MQTT 的推送传输
//
// 事件以同样的 JSON 信封发布在用户专属主题上；token 作为 MQTT 密码。
// paho 自动重连关闭，重连统一由 Manager 负责。
type MQTTTransport struct {
	config   commonconfig.MQTTConfig
	topicFor func() string
	logger   *zap.Logger
}

// NewMQTTTransport 创建 MQTT 传输，topicFor 在每次建连时求值
func NewMQTTTransport(cfg commonconfig.MQTTConfig, topicFor func() string, logger *zap.Logger) *MQTTTransport {
	return &MQTTTransport{
		config:   cfg,
		topicFor: topicFor,
		logger:   logger,
	}
}

// Dial 连接 broker 并订阅事件主题
func (t *MQTTTransport) Dial(ctx context.Context, token string) (Conn, error) {
	cfg := t.config
	cfg.ClientID = cfg.ClientID + "-" + uuid.NewString()[:8]
	cfg.Password = token
	if cfg.Username == "" {
		cfg.Username = "healix"
	}

	topic := t.topicFor()
	c := &mqttConn{
		topic:  topic,
		events: make(chan models.Event, 64),
		lost:   make(chan error, 1),
		closed: make(chan struct{}),
		logger: t.logger,
	}

	client, err := t.connect(ctx, &cfg, c.fail)
	if err != nil {
		return nil, err
	}
	c.client = client

	if err := ctx.Err(); err != nil {
		client.Disconnect()
		return nil, apperr.Transport("mqtt dial cancelled", err)
	}

	if err := client.Subscribe(topic, cfg.QoS, c.handle); err != nil {
		client.Disconnect()
		return nil, apperr.Transport("mqtt subscribe failed", err)
	}

	t.logger.Info("Subscribed to push topic",
		zap.String("topic", topic),
		zap.String("client_id", cfg.ClientID),
	)
	return c, nil
}

type dialResult struct {
	client *mqtt.Client
	err    error
}

// connect 在后台连接 broker；ctx 取消时立即返回，迟到的连接随后断开
func (t *MQTTTransport) connect(ctx context.Context, cfg *commonconfig.MQTTConfig, onLost mqtt.ConnectionLostHandler) (*mqtt.Client, error) {
	result := make(chan dialResult, 1)
	go func() {
		client, err := mqtt.NewClient(cfg, t.logger,
			mqtt.WithAutoReconnect(false),
			mqtt.WithConnectionLost(onLost),
		)
		result <- dialResult{client: client, err: err}
	}()

	select {
	case r := <-result:
		if r.err != nil {
			return nil, apperr.Transport("mqtt connect failed", r.err)
		}
		return r.client, nil
	case <-ctx.Done():
		go func() {
			if r := <-result; r.client != nil {
				r.client.Disconnect()
			}
		}()
		return nil, apperr.Transport("mqtt dial cancelled", ctx.Err())
	}
}

type mqttConn struct {
	client    *mqtt.Client
	topic     string
	logger    *zap.Logger
	events    chan models.Event
	lost      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

// handle 在 paho 回调 goroutine 中运行，消息按到达顺序入队
func (c *mqttConn) handle(topic string, payload []byte) error {
	var event models.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return apperr.Validation("malformed push message on "+topic, err)
	}
	if event.Name == "" {
		return apperr.Validation("push message on "+topic+" missing event name", nil)
	}
	select {
	case c.events <- event:
	case <-c.closed:
	}
	return nil
}

func (c *mqttConn) fail(err error) {
	select {
	case c.lost <- err:
	default:
	}
}

func (c *mqttConn) ReadEvent() (models.Event, error) {
	select {
	case event := <-c.events:
		return event, nil
	case err := <-c.lost:
		return models.Event{}, apperr.Transport("mqtt connection lost", err)
	case <-c.closed:
		return models.Event{}, apperr.Transport("mqtt connection closed", nil)
	}
}

func (c *mqttConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.client == nil {
			return
		}
		if c.client.IsConnected() {
			if err := c.client.Unsubscribe(c.topic); err != nil {
				c.logger.Debug("Failed to unsubscribe push topic",
					zap.String("topic", c.topic),
					zap.Error(err),
				)
			}
		}
		c.client.Disconnect()
	})
	return nil
}
