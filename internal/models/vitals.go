package models

import (
	"encoding/json"
	"time"

	"github.com/Abdulrahman-Burham/healix-sub001/internal/apperr"
)

// VitalKind 生命体征类型（参与分级的体征）
type VitalKind string

const (
	KindHeartRate  VitalKind = "heart_rate"
	KindSpO2       VitalKind = "spo2"
	KindSystolicBP VitalKind = "blood_pressure_sys"
	KindBodyTemp   VitalKind = "body_temp"
	KindStress     VitalKind = "stress_level"
)

// ClassifiedKinds 所有参与分级的体征，顺序固定
var ClassifiedKinds = []VitalKind{
	KindHeartRate,
	KindSpO2,
	KindSystolicBP,
	KindBodyTemp,
	KindStress,
}

// VitalsReading 某一时刻的生命体征快照（字段均可缺省）
//
// 存入 Store 后不可修改；更新总是产生新的读数。
type VitalsReading struct {
	ID     string `json:"_id,omitempty"`
	UserID string `json:"user_id,omitempty"`

	HeartRate      *float64 `json:"heart_rate,omitempty"`         // bpm
	SpO2           *float64 `json:"spo2,omitempty"`               // %
	StressLevel    *float64 `json:"stress_level,omitempty"`       // 0-10
	SystolicBP     *float64 `json:"blood_pressure_sys,omitempty"` // mmHg
	DiastolicBP    *float64 `json:"blood_pressure_dia,omitempty"` // mmHg
	HRV            *float64 `json:"hrv,omitempty"`                // ms
	BodyTemp       *float64 `json:"body_temp,omitempty"`          // °C
	Steps          *int     `json:"steps,omitempty"`
	CaloriesBurned *float64 `json:"calories_burned,omitempty"`
	SleepHours     *float64 `json:"sleep_hours,omitempty"`
	SleepQuality   *float64 `json:"sleep_quality,omitempty"` // %

	Timestamp time.Time `json:"timestamp"`
}

// UnmarshalJSON 兼容后端多种时间戳格式
func (r *VitalsReading) UnmarshalJSON(data []byte) error {
	type alias VitalsReading
	aux := struct {
		*alias
		Timestamp json.RawMessage `json:"timestamp"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	ts, err := ParseTimestamp(aux.Timestamp)
	if err != nil {
		return err
	}
	r.Timestamp = ts
	return nil
}

// Validate 校验读数的必需字段
func (r VitalsReading) Validate() error {
	if r.Timestamp.IsZero() {
		return apperr.Validation("vitals reading missing timestamp", nil)
	}
	return nil
}

// Value 返回指定体征的数值，未提供时 ok=false
func (r VitalsReading) Value(kind VitalKind) (value float64, ok bool) {
	var p *float64
	switch kind {
	case KindHeartRate:
		p = r.HeartRate
	case KindSpO2:
		p = r.SpO2
	case KindSystolicBP:
		p = r.SystolicBP
	case KindBodyTemp:
		p = r.BodyTemp
	case KindStress:
		p = r.StressLevel
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Clone 深拷贝读数，保证存储的读数不被调用方修改
func (r VitalsReading) Clone() VitalsReading {
	out := r
	out.HeartRate = cloneFloat(r.HeartRate)
	out.SpO2 = cloneFloat(r.SpO2)
	out.StressLevel = cloneFloat(r.StressLevel)
	out.SystolicBP = cloneFloat(r.SystolicBP)
	out.DiastolicBP = cloneFloat(r.DiastolicBP)
	out.HRV = cloneFloat(r.HRV)
	out.BodyTemp = cloneFloat(r.BodyTemp)
	out.CaloriesBurned = cloneFloat(r.CaloriesBurned)
	out.SleepHours = cloneFloat(r.SleepHours)
	out.SleepQuality = cloneFloat(r.SleepQuality)
	if r.Steps != nil {
		v := *r.Steps
		out.Steps = &v
	}
	return out
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Float 辅助函数：构造 *float64
func Float(v float64) *float64 {
	return &v
}

// Int 辅助函数：构造 *int
func Int(v int) *int {
	return &v
}
