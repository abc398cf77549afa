package service

import (
	"context"
	"encoding/json"
	"fmt"

	commonredis "github.com/Abdulrahman-Burham/healix-sub001/common/redis"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/api"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/classifier"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/config"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/connection"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/models"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/poller"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/publisher"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/store"

	"go.uber.org/zap"
)

// Option SyncService 可选配置
type Option func(s *SyncService)

// WithTransport 替换推送传输（默认按配置创建 websocket 或 MQTT 传输）
func WithTransport(t connection.Transport) Option {
	return func(s *SyncService) {
		s.transport = t
	}
}

// SyncService 体征同步服务
//
// 持有一个会话内的全部状态与后台任务，向展示层暴露只读视图与登录/登出。
// 每个实例相互独立，测试可以并行创建多个实例。
type SyncService struct {
	config *config.Config
	logger *zap.Logger

	prefs   *store.Preferences
	vitals  *store.VitalsStore
	session *store.SessionStore

	transport connection.Transport
	conn      *connection.Manager
	api       *api.Client
	poller    *poller.Poller

	redisClient *commonredis.Client
	publisher   *publisher.Publisher
}

// NewSyncService 创建体征同步服务
func NewSyncService(cfg *config.Config, logger *zap.Logger, opts ...Option) (*SyncService, error) {
	s := &SyncService{
		config: cfg,
		logger: logger,
		prefs:  store.NewPreferences(cfg.UI.Language),
		vitals: store.NewVitalsStore(cfg.Store.AlertCapacity, logger.Named("vitals")),
	}
	for _, o := range opts {
		o(s)
	}

	// 1. 推送连接
	if s.transport == nil {
		s.transport = s.newTransport()
	}
	s.conn = connection.NewManager(s.transport, connection.Config{
		ReconnectDelay: cfg.Push.ReconnectDelay,
		MaxAttempts:    cfg.Push.MaxAttempts,
	}, logger.Named("connection"))
	s.session = store.NewSessionStore(s.conn, logger.Named("session"))
	s.registerHandlers()

	// 2. REST 客户端与轮询
	s.api = api.NewClient(api.Config{
		BaseURL:    cfg.API.BaseURL,
		Timeout:    cfg.API.Timeout,
		RetryCount: cfg.API.RetryCount,
	}, s.session.Token, func() string { return string(s.prefs.Language()) }, logger.Named("api"))
	s.poller = poller.NewPoller(s.api, s.vitals, cfg.Poll.Interval, logger.Named("poller"))

	// 3. Redis 镜像（可选）
	if cfg.Publisher.Enabled {
		redisClient := commonredis.NewRedisClient(&cfg.Redis)
		if err := commonredis.Ping(context.Background(), redisClient); err != nil {
			_ = commonredis.Close(redisClient)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redisClient = redisClient
		s.publisher = publisher.NewPublisher(publisher.Config{
			KeyPrefix: cfg.Publisher.KeyPrefix,
			TTL:       cfg.Publisher.TTL,
			Stream:    cfg.Publisher.Stream,
		},
			publisher.NewRedisKVStore(redisClient),
			publisher.NewRedisStreamWriter(redisClient, cfg.Publisher.StreamMaxLen),
			s.vitals,
			s.currentUserID,
			logger.Named("publisher"),
		)
	}

	return s, nil
}

func (s *SyncService) newTransport() connection.Transport {
	if s.config.Push.Transport == config.TransportMQTT {
		return connection.NewMQTTTransport(s.config.MQTT, func() string {
			return s.config.EventTopicFor(s.currentUserID())
		}, s.logger.Named("mqtt"))
	}
	return connection.NewWebSocketTransport(connection.WebSocketConfig{
		URL:          s.config.Push.URL,
		PingInterval: s.config.Push.PingInterval,
	}, s.logger.Named("websocket"))
}

func (s *SyncService) currentUserID() string {
	id, ok := s.session.Identity()
	if !ok {
		return ""
	}
	return id.UserID
}

// Start 运行后台任务直到 ctx 取消
func (s *SyncService) Start(ctx context.Context) error {
	s.logger.Info("Starting vitals sync service",
		zap.String("push_transport", s.config.Push.Transport),
		zap.Duration("poll_interval", s.config.Poll.Interval),
		zap.Bool("publisher_enabled", s.publisher != nil),
	)

	if s.publisher != nil {
		return s.publisher.Run(ctx)
	}
	<-ctx.Done()
	return nil
}

// Stop 结束会话并释放资源
func (s *SyncService) Stop(ctx context.Context) error {
	s.Logout()
	if s.redisClient != nil {
		if err := commonredis.Close(s.redisClient); err != nil {
			return fmt.Errorf("failed to close redis: %w", err)
		}
	}
	return nil
}

// Login 开始会话：保存身份、建立推送连接并启动 REST 轮询
// 推送连接失败不影响登录，轮询继续提供数据。已有会话时先完整登出。
func (s *SyncService) Login(ctx context.Context, identity models.Identity, token string) error {
	if err := store.ValidateLogin(identity, token); err != nil {
		return err
	}
	if current, ok := s.session.Identity(); ok {
		s.logger.Info("Ending previous session before login",
			zap.String("previous_user_id", current.UserID),
			zap.String("user_id", identity.UserID),
		)
		s.Logout()
	}

	if err := s.session.Login(identity, token); err != nil {
		return err
	}
	if identity.Language != "" {
		if err := s.prefs.SetLanguage(identity.Language); err != nil {
			s.logger.Debug("Ignored unsupported profile language", zap.String("language", identity.Language))
		}
	}
	s.poller.Start(context.Background())
	return nil
}

// LoginWithToken 用 token 拉取资料确认身份后登录
func (s *SyncService) LoginWithToken(ctx context.Context, token string) (models.Identity, error) {
	identity, err := s.api.ProfileWithToken(ctx, token)
	if err != nil {
		return models.Identity{}, fmt.Errorf("failed to load profile: %w", err)
	}
	if err := s.Login(ctx, identity, token); err != nil {
		return models.Identity{}, err
	}
	return identity, nil
}

// Logout 结束会话
//
// 顺序：停止轮询，同步断开推送连接并清空身份，最后清空体征存储。
// 返回后旧会话的任何事件与拉取结果都不会再写入存储。
func (s *SyncService) Logout() {
	s.poller.Stop()
	s.session.Logout()
	s.vitals.Reset()
}

// Refresh 立即拉取一次 REST 快照，失败时保留已有读数并标记 stale
func (s *SyncService) Refresh(ctx context.Context) error {
	return s.poller.PollOnce(ctx)
}

// CurrentVitals 当前读数
func (s *SyncService) CurrentVitals() (models.VitalsReading, bool) {
	return s.vitals.CurrentVitals()
}

// Freshness 当前读数的新鲜度
func (s *SyncService) Freshness() store.Freshness {
	return s.vitals.Freshness()
}

// SeverityOf 单项体征分级
func (s *SyncService) SeverityOf(kind models.VitalKind, value float64) classifier.Severity {
	return classifier.SeverityOf(kind, value)
}

// Severities 当前读数的逐项分级，尚无数据时全部为 normal
func (s *SyncService) Severities() map[models.VitalKind]classifier.Severity {
	reading, _ := s.vitals.CurrentVitals()
	return classifier.Classify(reading)
}

// Alerts 报警历史（最新在前）
func (s *SyncService) Alerts() []models.Alert {
	return s.vitals.Alerts()
}

// UnreadCount 未读报警数
func (s *SyncService) UnreadCount() int {
	return s.vitals.UnreadCount()
}

// MarkRead 标记报警已读
func (s *SyncService) MarkRead(alertID string) bool {
	return s.vitals.MarkRead(alertID)
}

// MarkAllRead 全部标记为已读
func (s *SyncService) MarkAllRead() {
	s.vitals.MarkAllRead()
}

// ClearAlerts 清空报警历史
func (s *SyncService) ClearAlerts() {
	s.vitals.ClearAlerts()
}

// ConnectionState 推送连接状态
func (s *SyncService) ConnectionState() models.ConnectionState {
	return s.conn.State()
}

// Identity 当前登录身份
func (s *SyncService) Identity() (models.Identity, bool) {
	return s.session.Identity()
}

// Preferences 界面偏好
func (s *SyncService) Preferences() *store.Preferences {
	return s.prefs
}

// Subscribe 订阅存储变更
func (s *SyncService) Subscribe(fn func(store.Change)) func() {
	return s.vitals.Subscribe(fn)
}

// OnConnectionState 订阅连接状态变更（回调内不能调用 Login/Logout）
func (s *SyncService) OnConnectionState(fn connection.StateHandler) {
	s.conn.OnStateChange(fn)
}

// History 体征历史（24h、7d、30d）
func (s *SyncService) History(ctx context.Context, period string) ([]models.VitalsReading, error) {
	return s.api.History(ctx, period)
}

// Supplementary 拉取展示层使用的辅助资源
func (s *SyncService) Supplementary(ctx context.Context, resource api.Resource) (json.RawMessage, error) {
	return s.api.Resource(ctx, resource)
}
