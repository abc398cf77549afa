package models

import (
	"encoding/json"

	"github.com/Abdulrahman-Burham/healix-sub001/internal/apperr"
)

// Identity 已认证用户身份
type Identity struct {
	UserID                string `json:"id"`
	Email                 string `json:"email"`
	Name                  string `json:"name"`
	Role                  string `json:"role"` // user, admin
	EmergencyContactPhone string `json:"emergency_contact_phone,omitempty"`
	Language              string `json:"language,omitempty"`
}

// UnmarshalJSON 兼容 _id 字段
func (i *Identity) UnmarshalJSON(data []byte) error {
	type alias Identity
	aux := struct {
		*alias
		MongoID string `json:"_id"`
	}{alias: (*alias)(i)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if i.UserID == "" {
		i.UserID = aux.MongoID
	}
	return nil
}

// Validate 校验身份
func (i Identity) Validate() error {
	if i.UserID == "" {
		return apperr.Validation("identity missing user id", nil)
	}
	return nil
}

// ConnectionState 推送连接状态
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText 以字符串形式序列化
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
