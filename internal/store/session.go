package store

import (
	"sync"

	"github.com/Abdulrahman-Burham/healix-sub001/internal/apperr"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/models"

	"go.uber.org/zap"
)

// Connector 会话驱动的推送连接（由 connection.Manager 实现）
type Connector interface {
	Connect(token string) error
	Disconnect()
}

// SessionStore 已认证身份；唯一可以驱动推送连接生命周期的写入方
type SessionStore struct {
	mu       sync.RWMutex
	identity *models.Identity
	token    string

	connector Connector
	logger    *zap.Logger
}

// NewSessionStore 创建会话存储
func NewSessionStore(connector Connector, logger *zap.Logger) *SessionStore {
	return &SessionStore{
		connector: connector,
		logger:    logger,
	}
}

// ValidateLogin 校验登录参数
func ValidateLogin(identity models.Identity, token string) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	if token == "" {
		return apperr.Validation("login requires a token", nil)
	}
	return nil
}

// Login 保存身份后建立推送连接
//
// 已有会话时先完整登出（断开旧连接），旧会话的事件不会计入新身份。
// 连接失败不回滚登录：用户仍处于已认证状态，只是实时更新降级为 REST 轮询。
func (s *SessionStore) Login(identity models.Identity, token string) error {
	if err := ValidateLogin(identity, token); err != nil {
		return err
	}
	s.Logout()

	s.mu.Lock()
	id := identity
	s.identity = &id
	s.token = token
	s.mu.Unlock()

	s.logger.Info("Session started",
		zap.String("user_id", identity.UserID),
		zap.String("role", identity.Role),
	)

	if err := s.connector.Connect(token); err != nil {
		s.logger.Warn("Failed to start push connection, falling back to polling",
			zap.String("user_id", identity.UserID),
			zap.Error(err),
		)
	}
	return nil
}

// Logout 同步断开推送连接后清空身份（未登录时为空操作）
func (s *SessionStore) Logout() {
	s.mu.RLock()
	active := s.identity != nil
	s.mu.RUnlock()
	if !active {
		return
	}

	s.connector.Disconnect()

	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return
	}
	userID := s.identity.UserID
	s.identity = nil
	s.token = ""
	s.mu.Unlock()

	s.logger.Info("Session ended", zap.String("user_id", userID))
}

// Identity 当前身份
func (s *SessionStore) Identity() (models.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return models.Identity{}, false
	}
	return *s.identity, true
}

// Token 当前访问令牌，未登录时为空
func (s *SessionStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// IsAuthenticated 是否已登录
func (s *SessionStore) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity != nil
}

// UpdateIdentity 用非空字段更新当前身份（如资料拉取后补全）
func (s *SessionStore) UpdateIdentity(update models.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return
	}
	if update.Email != "" {
		s.identity.Email = update.Email
	}
	if update.Name != "" {
		s.identity.Name = update.Name
	}
	if update.Role != "" {
		s.identity.Role = update.Role
	}
	if update.EmergencyContactPhone != "" {
		s.identity.EmergencyContactPhone = update.EmergencyContactPhone
	}
	if update.Language != "" {
		s.identity.Language = update.Language
	}
}
