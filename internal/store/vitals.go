// Package store 会话内的内存状态：体征快照、报警历史、会话身份与界面偏好
package store

import (
	"sync"
	"time"

	"github.com/Abdulrahman-Burham/healix-sub001/internal/models"

	"go.uber.org/zap"
)

// DefaultAlertCapacity 报警历史默认容量
const DefaultAlertCapacity = 50

// Change 状态变更类型
type Change int

const (
	ChangeVitals Change = iota
	ChangeAlerts
	ChangeFreshness
	ChangeReset
)

func (c Change) String() string {
	switch c {
	case ChangeVitals:
		return "vitals"
	case ChangeAlerts:
		return "alerts"
	case ChangeFreshness:
		return "freshness"
	case ChangeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Freshness 快照新鲜度
//
// HasData=false 表示尚无数据；Stale=true 表示最近一次拉取失败，当前展示的是上一份读数。
type Freshness struct {
	HasData   bool
	Stale     bool
	LastError error
	UpdatedAt time.Time
}

// VitalsStore 当前体征、报警历史与未读数的唯一来源
//
// REST 快照与推送事件都通过 ApplySnapshot/ApplyAlert 合并，
// 共用同一条时间戳新近规则。
type VitalsStore struct {
	mu        sync.RWMutex
	current   *models.VitalsReading
	stale     bool
	lastErr   error
	updatedAt time.Time
	alerts    []models.Alert // 按创建时间倒序，最新在前
	capacity  int

	listenersMu sync.Mutex
	listeners   map[uint64]func(Change)
	nextID      uint64

	logger *zap.Logger
	now    func() time.Time
}

// NewVitalsStore 创建体征存储
func NewVitalsStore(alertCapacity int, logger *zap.Logger) *VitalsStore {
	if alertCapacity <= 0 {
		alertCapacity = DefaultAlertCapacity
	}
	return &VitalsStore{
		capacity:  alertCapacity,
		listeners: make(map[uint64]func(Change)),
		logger:    logger,
		now:       time.Now,
	}
}

// Capacity 报警历史容量
func (s *VitalsStore) Capacity() int {
	return s.capacity
}

// ApplySnapshot 合并一份读数
//
// 仅当读数时间戳不早于当前读数时替换（相等视为刷新）；返回是否被接受。
// 缺少时间戳的读数返回 ValidationError。
func (s *VitalsStore) ApplySnapshot(reading models.VitalsReading) (bool, error) {
	if err := reading.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.current != nil && reading.Timestamp.Before(s.current.Timestamp) {
		stored := s.current.Timestamp
		s.mu.Unlock()
		s.logger.Debug("Ignored out-of-date vitals reading",
			zap.Time("incoming", reading.Timestamp),
			zap.Time("stored", stored),
		)
		return false, nil
	}
	r := reading.Clone()
	s.current = &r
	s.stale = false
	s.lastErr = nil
	s.updatedAt = s.now()
	s.mu.Unlock()

	s.notify(ChangeVitals)
	return true, nil
}

// MarkFetchFailed 记录拉取失败；已有读数保持不变，仅标记为 stale
func (s *VitalsStore) MarkFetchFailed(err error) {
	s.mu.Lock()
	s.stale = true
	s.lastErr = err
	s.mu.Unlock()

	s.notify(ChangeFreshness)
}

// CurrentVitals 当前读数，尚无数据时 ok=false
func (s *VitalsStore) CurrentVitals() (models.VitalsReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return models.VitalsReading{}, false
	}
	return s.current.Clone(), true
}

// Freshness 当前读数的新鲜度
func (s *VitalsStore) Freshness() Freshness {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Freshness{
		HasData:   s.current != nil,
		Stale:     s.stale,
		LastError: s.lastErr,
		UpdatedAt: s.updatedAt,
	}
}

// ApplyAlert 合并一条报警
//
// 已存在相同 ID 时原地更新非空的级别与文案，已读状态只会从未读变为已读；
// 否则按创建时间插入（推送的新报警位于头部），超出容量时淘汰最旧的报警。
// 历史已满时，创建时间早于全部已有报警的新报警插入即被淘汰。
func (s *VitalsStore) ApplyAlert(alert models.Alert) error {
	if err := alert.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.mergeAlertLocked(alert)
	s.mu.Unlock()

	s.notify(ChangeAlerts)
	return nil
}

// ApplyAlerts 合并 REST 返回的报警列表（最新在前），返回被丢弃的非法条目数
func (s *VitalsStore) ApplyAlerts(alerts []models.Alert) int {
	dropped := 0

	s.mu.Lock()
	for _, a := range alerts {
		if err := a.Validate(); err != nil {
			dropped++
			s.logger.Warn("Dropped invalid alert from snapshot", zap.Error(err))
			continue
		}
		s.mergeAlertLocked(a)
	}
	s.mu.Unlock()

	s.notify(ChangeAlerts)
	return dropped
}

func (s *VitalsStore) mergeAlertLocked(alert models.Alert) {
	for i := range s.alerts {
		existing := &s.alerts[i]
		if existing.ID != alert.ID {
			continue
		}
		if alert.Severity != "" {
			existing.Severity = alert.Severity
		}
		existing.Read = existing.Read || alert.Read
		if alert.Type != "" {
			existing.Type = alert.Type
		}
		if alert.Title != "" {
			existing.Title = alert.Title
			existing.TitleAr = alert.TitleAr
		}
		if alert.Message != "" {
			existing.Message = alert.Message
			existing.MessageAr = alert.MessageAr
		}
		return
	}

	idx := 0
	if !alert.CreatedAt.IsZero() {
		for idx < len(s.alerts) && alert.CreatedAt.Before(s.alerts[idx].CreatedAt) {
			idx++
		}
	}

	s.alerts = append(s.alerts, models.Alert{})
	copy(s.alerts[idx+1:], s.alerts[idx:])
	s.alerts[idx] = alert

	if len(s.alerts) > s.capacity {
		evicted := s.alerts[s.capacity:]
		for _, a := range evicted {
			s.logger.Debug("Evicted alert from history", zap.String("alert_id", a.ID))
		}
		s.alerts = s.alerts[:s.capacity:s.capacity]
	}
}

// Alerts 报警历史副本（最新在前）
func (s *VitalsStore) Alerts() []models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// MarkRead 标记报警已读，报警不存在时返回 false
func (s *VitalsStore) MarkRead(alertID string) bool {
	s.mu.Lock()
	found, changed := false, false
	for i := range s.alerts {
		if s.alerts[i].ID == alertID {
			found = true
			changed = !s.alerts[i].Read
			s.alerts[i].Read = true
			break
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify(ChangeAlerts)
	}
	return found
}

// MarkAllRead 全部标记为已读
func (s *VitalsStore) MarkAllRead() {
	s.mu.Lock()
	for i := range s.alerts {
		s.alerts[i].Read = true
	}
	s.mu.Unlock()

	s.notify(ChangeAlerts)
}

// UnreadCount 未读报警数，由历史实时计算
func (s *VitalsStore) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.alerts {
		if !a.Read {
			n++
		}
	}
	return n
}

// ClearAlerts 清空报警历史
func (s *VitalsStore) ClearAlerts() {
	s.mu.Lock()
	s.alerts = nil
	s.mu.Unlock()

	s.notify(ChangeAlerts)
}

// Reset 清空全部状态（登出时调用）
func (s *VitalsStore) Reset() {
	s.mu.Lock()
	s.current = nil
	s.stale = false
	s.lastErr = nil
	s.updatedAt = time.Time{}
	s.alerts = nil
	s.mu.Unlock()

	s.notify(ChangeReset)
}

// Subscribe 订阅状态变更，返回取消订阅函数
// 回调在释放存储锁之后同步调用，可以安全读取存储
func (s *VitalsStore) Subscribe(fn func(Change)) func() {
	s.listenersMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *VitalsStore) notify(change Change) {
	s.listenersMu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
