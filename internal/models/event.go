package models

import "encoding/json"

// 推送通道事件名
const (
	EventVitalsUpdate = "vitals_update"
	EventAlert        = "alert"

	// 后端广播时使用的别名
	EventVitalsData  = "vitals_data"
	EventHealthAlert = "health_alert"

	// 连接生命周期信号（由连接管理器合成）
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// AlertBatch health_alert 的批量载荷 {"alerts": [...]}
type AlertBatch struct {
	Alerts []Alert `json:"alerts"`
}

// Event 推送通道消息信封：{"event": "...", "data": {...}}
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DisconnectPayload disconnect 信号载荷
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

// ConnectErrorPayload connect_error 信号载荷
type ConnectErrorPayload struct {
	Message string `json:"message"`
}

// CanonicalEventName 将别名归一为标准事件名
func CanonicalEventName(name string) string {
	switch name {
	case EventVitalsData:
		return EventVitalsUpdate
	case EventHealthAlert:
		return EventAlert
	}
	return name
}
