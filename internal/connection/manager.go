// Package connection 管理推送通道连接
//
// 每个会话最多一条连接。Manager 负责建连、事件分发与固定间隔的有限次重连；
// 传输层错误只体现为连接状态与 connect_error 事件，不会抛给订阅者。
package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Abdulrahman-Burham/healix-sub001/internal/apperr"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/models"

	"go.uber.org/zap"
)

// Transport 推送通道传输层
type Transport interface {
	// Dial 建立一条携带 token 的连接，ctx 取消时应尽快返回
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn 已建立的连接
type Conn interface {
	// ReadEvent 阻塞读取下一条事件；连接断开或被关闭时返回错误
	ReadEvent() (models.Event, error)
	Close() error
}

// Handler 事件处理函数
type Handler func(event models.Event)

// StateHandler 连接状态变更回调
type StateHandler func(from, to models.ConnectionState)

// Config 重连策略
type Config struct {
	ReconnectDelay time.Duration // 固定重连间隔
	MaxAttempts    int           // 最大重连次数，耗尽后进入 failed
}

// 合法状态迁移；任意状态都可以迁移到 disconnected
var transitions = map[models.ConnectionState][]models.ConnectionState{
	models.StateDisconnected: {models.StateConnecting},
	models.StateConnecting:   {models.StateConnected, models.StateFailed},
	models.StateConnected:    {models.StateReconnecting},
	models.StateReconnecting: {models.StateConnected, models.StateFailed},
	models.StateFailed:       {models.StateConnecting},
}

// CanTransition 判断状态迁移是否合法
func CanTransition(from, to models.ConnectionState) bool {
	if to == models.StateDisconnected {
		return from != models.StateDisconnected
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

// Manager 推送连接管理器
//
// 每次 Connect 开启一个新的连接代（generation），由单个 supervisor goroutine
// 负责读取与分发，保证同一连接内的事件顺序。分发在 dispatchMu 下进行，
// Disconnect 也会获取该锁，所以 Disconnect 返回后旧连接的事件不会再被投递。
// 处理函数内不能同步调用 Connect/Disconnect。
type Manager struct {
	transport Transport
	config    Config
	logger    *zap.Logger

	mu     sync.Mutex
	state  models.ConnectionState
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
	conn   Conn

	dispatchMu sync.Mutex

	handlersMu    sync.RWMutex
	nextID        uint64
	handlers      map[string][]handlerEntry
	stateHandlers []StateHandler
}

// NewManager 创建连接管理器
func NewManager(transport Transport, cfg Config, logger *zap.Logger) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	return &Manager{
		transport: transport,
		config:    cfg,
		logger:    logger,
		state:     models.StateDisconnected,
		handlers:  make(map[string][]handlerEntry),
	}
}

// State 当前连接状态
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// On 订阅事件，返回取消订阅函数
// vitals_data 别名会归一到 vitals_update
func (m *Manager) On(eventName string, handler Handler) func() {
	name := models.CanonicalEventName(eventName)

	m.handlersMu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[name] = append(m.handlers[name], handlerEntry{id: id, handler: handler})
	m.handlersMu.Unlock()

	return func() {
		m.handlersMu.Lock()
		defer m.handlersMu.Unlock()
		entries := m.handlers[name]
		for i, e := range entries {
			if e.id == id {
				m.handlers[name] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange 订阅连接状态变更
func (m *Manager) OnStateChange(handler StateHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.stateHandlers = append(m.stateHandlers, handler)
}

// Connect 建立连接（幂等）
//
// 已处于 connecting/connected/reconnecting 时直接返回；
// 处于 disconnected 或 failed 时开启新一代连接。建连在后台进行，不阻塞调用方。
func (m *Manager) Connect(token string) error {
	if token == "" {
		return apperr.Validation("push connection requires a token", nil)
	}

	m.dispatchMu.Lock()
	m.mu.Lock()
	switch m.state {
	case models.StateConnecting, models.StateConnected, models.StateReconnecting:
		m.mu.Unlock()
		m.dispatchMu.Unlock()
		return nil
	}

	from := m.state
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.state = models.StateConnecting
	m.mu.Unlock()

	m.notifyState(from, models.StateConnecting)
	m.dispatchMu.Unlock()

	m.logger.Info("Connecting push channel", zap.Uint64("generation", gen))

	go m.run(ctx, gen, token, done)
	return nil
}

// Disconnect 断开连接并取消待执行的重连（已断开时为空操作）
//
// 返回时 supervisor 已退出，旧连接的事件不会再被投递。
func (m *Manager) Disconnect() {
	// 加锁顺序与 Connect 相同；状态变更与通知在同一临界区内，并等待正在执行的处理函数结束
	m.dispatchMu.Lock()
	m.mu.Lock()
	if m.state == models.StateDisconnected {
		m.mu.Unlock()
		m.dispatchMu.Unlock()
		return
	}
	from := m.state
	m.gen++
	m.state = models.StateDisconnected
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel, m.done, m.conn = nil, nil, nil
	m.mu.Unlock()

	m.notifyState(from, models.StateDisconnected)
	m.dispatchMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("Error closing push connection", zap.Error(err))
		}
	}

	if done != nil {
		<-done
	}

	m.logger.Info("Push channel disconnected", zap.String("from", from.String()))
}

// run supervisor：建连、读取、断线重连
func (m *Manager) run(ctx context.Context, gen uint64, token string, done chan struct{}) {
	defer close(done)

	// 1. 首次建连，失败后按重连策略重试
	conn, err := m.transport.Dial(ctx, token)
	if err != nil {
		m.reportDialError(gen, 0, err)
		conn = m.retry(ctx, gen, token)
		if conn == nil {
			return
		}
	}

	for {
		// 2. 读取并分发事件，直到连接断开
		err := m.serve(gen, conn)
		if ctx.Err() != nil || !m.current(gen) {
			return
		}

		// 3. 意外断开：进入 reconnecting
		m.logger.Warn("Push channel lost", zap.Error(err))
		m.emit(gen, models.EventDisconnect, models.DisconnectPayload{Reason: err.Error()})
		if !m.transition(gen, models.StateReconnecting) {
			return
		}

		conn = m.retry(ctx, gen, token)
		if conn == nil {
			return
		}
	}
}

// retry 固定间隔重连，成功返回连接；次数耗尽、被取消或已过期返回 nil
func (m *Manager) retry(ctx context.Context, gen uint64, token string) Conn {
	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		if !sleepContext(ctx, m.config.ReconnectDelay) || !m.current(gen) {
			return nil
		}

		conn, err := m.transport.Dial(ctx, token)
		if err == nil {
			m.logger.Info("Push channel reconnected", zap.Int("attempt", attempt))
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		m.reportDialError(gen, attempt, err)
	}

	m.logger.Error("Push channel reconnection attempts exhausted",
		zap.Int("max_attempts", m.config.MaxAttempts),
	)
	m.transition(gen, models.StateFailed)
	return nil
}

// serve 登记连接并读取事件，返回导致断开的错误
func (m *Manager) serve(gen uint64, conn Conn) error {
	if !m.attach(gen, conn) {
		return apperr.Transport("connection superseded", nil)
	}
	defer m.detach(gen, conn)

	if !m.transition(gen, models.StateConnected) {
		return apperr.Transport("connection superseded", nil)
	}
	m.emit(gen, models.EventConnect, nil)

	for {
		event, err := conn.ReadEvent()
		if err != nil {
			return err
		}
		if !m.dispatch(gen, event) {
			return apperr.Transport("connection superseded", nil)
		}
	}
}

func (m *Manager) reportDialError(gen uint64, attempt int, err error) {
	m.logger.Warn("Failed to connect push channel",
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
	m.emit(gen, models.EventConnectError, models.ConnectErrorPayload{Message: err.Error()})
}

// attach 记录当前连接；所属代已过期时直接关闭
func (m *Manager) attach(gen uint64, conn Conn) bool {
	m.mu.Lock()
	if m.gen == gen {
		m.conn = conn
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()
	conn.Close()
	return false
}

func (m *Manager) detach(gen uint64, conn Conn) {
	m.mu.Lock()
	if m.gen == gen && m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	conn.Close()
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

// transition 在所属代仍有效时迁移状态并通知订阅者
func (m *Manager) transition(gen uint64, to models.ConnectionState) bool {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		m.logger.Error("Rejected invalid connection state transition",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		return false
	}
	m.state = to
	m.mu.Unlock()

	m.notifyState(from, to)
	return true
}

// emit 合成生命周期事件并分发
func (m *Manager) emit(gen uint64, name string, payload interface{}) {
	event := models.Event{Name: name}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			m.logger.Error("Failed to marshal lifecycle payload", zap.String("event", name), zap.Error(err))
			return
		}
		event.Data = data
	}
	m.dispatch(gen, event)
}

// dispatch 按注册顺序调用处理函数；所属代已过期时丢弃事件并返回 false
func (m *Manager) dispatch(gen uint64, event models.Event) bool {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	if !m.current(gen) {
		m.logger.Debug("Dropped event from stale connection", zap.String("event", event.Name))
		return false
	}

	event.Name = models.CanonicalEventName(event.Name)

	m.handlersMu.RLock()
	entries := append([]handlerEntry(nil), m.handlers[event.Name]...)
	m.handlersMu.RUnlock()

	for _, e := range entries {
		m.safeCall(event, e.handler)
	}
	return true
}

func (m *Manager) safeCall(event models.Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Event handler panicked",
				zap.String("event", event.Name),
				zap.Any("panic", r),
			)
		}
	}()
	handler(event)
}

// notifyState 调用方需持有 dispatchMu
func (m *Manager) notifyState(from, to models.ConnectionState) {
	m.handlersMu.RLock()
	handlers := append([]StateHandler(nil), m.stateHandlers...)
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("State handler panicked", zap.Any("panic", r))
				}
			}()
			h(from, to)
		}()
	}
}

// sleepContext 等待 d，ctx 取消时返回 false
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
