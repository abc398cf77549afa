package models

import (
	"encoding/json"
	"time"

	"github.com/Abdulrahman-Burham/healix-sub001/internal/apperr"
)

// Alert 报警（由后端创建，客户端只在本地维护已读状态）
type Alert struct {
	ID        string    `json:"_id"`
	Type      string    `json:"type"`     // vital_warning, vital_critical, medication, exercise, emergency
	Severity  string    `json:"severity"` // 后端给出的级别原样保存：info, warning, critical
	Title     string    `json:"title"`
	TitleAr   string    `json:"title_ar,omitempty"`
	Message   string    `json:"message"`
	MessageAr string    `json:"message_ar,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// UnmarshalJSON 兼容 id/_id 与 created_at/timestamp 两种字段
func (a *Alert) UnmarshalJSON(data []byte) error {
	type alias Alert
	aux := struct {
		*alias
		AltID     string          `json:"id"`
		CreatedAt json.RawMessage `json:"created_at"`
		Timestamp json.RawMessage `json:"timestamp"`
	}{alias: (*alias)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = aux.AltID
	}

	raw := aux.CreatedAt
	if len(raw) == 0 || string(raw) == "null" {
		raw = aux.Timestamp
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	a.CreatedAt = ts
	return nil
}

// Validate 校验报警的必需字段
func (a Alert) Validate() error {
	if a.ID == "" {
		return apperr.Validation("alert missing _id", nil)
	}
	return nil
}
