// Package publisher 将当前会话的实时视图镜像到 Redis，供配套看板读取
//
// 只写不读：存储永远不会从镜像恢复。
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Abdulrahman-Burham/healix-sub001/internal/classifier"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/models"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/store"

	"go.uber.org/zap"
)

// Config 镜像配置
type Config struct {
	KeyPrefix string        // 如 "healix:user:"
	TTL       time.Duration // 键过期时间
	Stream    string        // 新报警追加到的流，如 "healix:alerts"
}

// Source 被镜像的存储（由 store.VitalsStore 实现）
type Source interface {
	CurrentVitals() (models.VitalsReading, bool)
	Freshness() store.Freshness
	Alerts() []models.Alert
	UnreadCount() int
	Subscribe(fn func(store.Change)) func()
}

// RealtimeView <prefix><user_id>:realtime 的内容
type RealtimeView struct {
	UserID     string                                  `json:"user_id"`
	Reading    *models.VitalsReading                   `json:"reading,omitempty"`
	Severities map[models.VitalKind]classifier.Severity `json:"severities,omitempty"`
	Overall    classifier.Severity                     `json:"overall"`
	Stale      bool                                    `json:"stale"`
	LastError  string                                  `json:"last_error,omitempty"`
	UpdatedAt  *time.Time                              `json:"updated_at,omitempty"`
}

// AlertsView <prefix><user_id>:alerts 的内容
type AlertsView struct {
	UserID string         `json:"user_id"`
	Unread int            `json:"unread"`
	Alerts []models.Alert `json:"alerts"`
}

// AlertEvent 追加到报警流的消息
type AlertEvent struct {
	UserID string       `json:"user_id"`
	Alert  models.Alert `json:"alert"`
}

// Publisher 存储变更后写入镜像
type Publisher struct {
	config Config
	kv     KVStore
	stream StreamWriter
	source Source
	userID func() string
	logger *zap.Logger

	signal chan struct{}

	mu   sync.Mutex
	seen map[string]struct{} // 已写入流的报警 ID
}

// NewPublisher 创建镜像发布器，stream 为 nil 时不写报警流
func NewPublisher(cfg Config, kv KVStore, stream StreamWriter, source Source, userID func() string, logger *zap.Logger) *Publisher {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &Publisher{
		config: cfg,
		kv:     kv,
		stream: stream,
		source: source,
		userID: userID,
		logger: logger,
		signal: make(chan struct{}, 1),
		seen:   make(map[string]struct{}),
	}
}

// RealtimeKey 实时视图键
func (p *Publisher) RealtimeKey(userID string) string {
	return fmt.Sprintf("%s%s:realtime", p.config.KeyPrefix, userID)
}

// AlertsKey 报警视图键
func (p *Publisher) AlertsKey(userID string) string {
	return fmt.Sprintf("%s%s:alerts", p.config.KeyPrefix, userID)
}

// Run 订阅存储变更并在后台写入镜像，直到 ctx 取消
func (p *Publisher) Run(ctx context.Context) error {
	unsubscribe := p.source.Subscribe(func(c store.Change) {
		if c == store.ChangeReset {
			p.resetSeen()
		}
		p.Notify()
	})
	defer unsubscribe()
	// 启动时写入一次当前视图
	p.Notify()

	p.logger.Info("Live view publisher started",
		zap.String("key_prefix", p.config.KeyPrefix),
		zap.String("stream", p.config.Stream),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Live view publisher stopped")
			return nil
		case <-p.signal:
			if err := p.Publish(ctx); err != nil {
				p.logger.Error("Failed to publish live view", zap.Error(err))
				// 继续执行，不中断
			}
		}
	}
}

// Notify 请求一次写入；多次请求合并，不阻塞调用方
func (p *Publisher) Notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Publish 立即写入一次镜像；未登录时跳过
func (p *Publisher) Publish(ctx context.Context) error {
	userID := p.userID()
	if userID == "" {
		return nil
	}

	// 1. 实时视图
	view := p.buildRealtimeView(userID)
	if err := p.setJSON(ctx, p.RealtimeKey(userID), view); err != nil {
		return err
	}

	// 2. 报警视图
	alerts := p.source.Alerts()
	if err := p.setJSON(ctx, p.AlertsKey(userID), AlertsView{
		UserID: userID,
		Unread: p.source.UnreadCount(),
		Alerts: alerts,
	}); err != nil {
		return err
	}

	// 3. 新报警写入流（按时间先后）
	if p.stream == nil || p.config.Stream == "" {
		return nil
	}
	return p.appendNewAlerts(ctx, userID, alerts)
}

func (p *Publisher) buildRealtimeView(userID string) RealtimeView {
	f := p.source.Freshness()
	view := RealtimeView{
		UserID: userID,
		Stale:  f.Stale,
	}
	if f.LastError != nil {
		view.LastError = f.LastError.Error()
	}
	if !f.UpdatedAt.IsZero() {
		updated := f.UpdatedAt
		view.UpdatedAt = &updated
	}
	if reading, ok := p.source.CurrentVitals(); ok {
		view.Reading = &reading
		view.Severities = classifier.Classify(reading)
		view.Overall = classifier.Overall(reading)
	}
	return view
}

func (p *Publisher) appendNewAlerts(ctx context.Context, userID string, alerts []models.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := make(map[string]struct{}, len(alerts))
	for i := len(alerts) - 1; i >= 0; i-- {
		a := alerts[i]
		current[a.ID] = struct{}{}
		if _, ok := p.seen[a.ID]; ok {
			continue
		}
		id, err := p.stream.Append(ctx, p.config.Stream, AlertEvent{UserID: userID, Alert: a})
		if err != nil {
			return fmt.Errorf("failed to append alert %s to stream: %w", a.ID, err)
		}
		p.seen[a.ID] = struct{}{}
		p.logger.Debug("Appended alert to stream",
			zap.String("alert_id", a.ID),
			zap.String("stream_id", id),
		)
	}

	// 只保留仍在历史中的 ID
	for id := range p.seen {
		if _, ok := current[id]; !ok {
			delete(p.seen, id)
		}
	}
	return nil
}

func (p *Publisher) resetSeen() {
	p.mu.Lock()
	p.seen = make(map[string]struct{})
	p.mu.Unlock()
}

func (p *Publisher) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := p.kv.Set(ctx, key, string(data), p.config.TTL); err != nil {
		return fmt.Errorf("failed to set cache %s: %w", key, err)
	}
	return nil
}
