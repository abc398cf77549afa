// Package classifier 将原始体征读数映射为严重级别
//
// 每种体征两个断点、三个级别；先判 critical，再判 warning，否则 normal。
// 阈值直接驱动前端所有状态指示，必须逐位保持：
//
//	心率(bpm)     critical: >120 或 <50     warning: >100 或 <55
//	SpO2(%)       critical: <92             warning: <95
//	收缩压        critical: >140 或 <90     warning: >130 或 <100
//	体温(°C)      critical: >38.5 或 <35    warning: >37.5 或 <36
//	压力(0-10)    critical: >=8             warning: >=6
//
// 未提供的读数一律为 normal，缺失不视为异常。
package classifier

import (
	"math"

	"github.com/Abdulrahman-Burham/healix-sub001/internal/models"
)

// Severity 严重级别，normal < warning < critical
type Severity int

const (
	Normal Severity = iota
	Warning
	Critical
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "normal"
	}
}

// MarshalText 以字符串形式序列化
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HeartRate 心率分级
func HeartRate(bpm float64) Severity {
	switch {
	case bpm > 120 || bpm < 50:
		return Critical
	case bpm > 100 || bpm < 55:
		return Warning
	default:
		return Normal
	}
}

// SpO2 血氧分级
func SpO2(pct float64) Severity {
	switch {
	case pct < 92:
		return Critical
	case pct < 95:
		return Warning
	default:
		return Normal
	}
}

// SystolicBP 收缩压分级
func SystolicBP(mmHg float64) Severity {
	switch {
	case mmHg > 140 || mmHg < 90:
		return Critical
	case mmHg > 130 || mmHg < 100:
		return Warning
	default:
		return Normal
	}
}

// BodyTemp 体温分级
func BodyTemp(celsius float64) Severity {
	switch {
	case celsius > 38.5 || celsius < 35:
		return Critical
	case celsius > 37.5 || celsius < 36:
		return Warning
	default:
		return Normal
	}
}

// Stress 压力分级
func Stress(level float64) Severity {
	switch {
	case level >= 8:
		return Critical
	case level >= 6:
		return Warning
	default:
		return Normal
	}
}

// SeverityOf 按体征类型分级
// 未知体征、零值或 NaN 视为未提供，返回 normal
func SeverityOf(kind models.VitalKind, value float64) Severity {
	if value == 0 || math.IsNaN(value) {
		return Normal
	}
	switch kind {
	case models.KindHeartRate:
		return HeartRate(value)
	case models.KindSpO2:
		return SpO2(value)
	case models.KindSystolicBP:
		return SystolicBP(value)
	case models.KindBodyTemp:
		return BodyTemp(value)
	case models.KindStress:
		return Stress(value)
	default:
		return Normal
	}
}

// Classify 对读数中每个参与分级的体征分级（缺失体征为 normal）
func Classify(r models.VitalsReading) map[models.VitalKind]Severity {
	out := make(map[models.VitalKind]Severity, len(models.ClassifiedKinds))
	for _, kind := range models.ClassifiedKinds {
		v, ok := r.Value(kind)
		if !ok {
			out[kind] = Normal
			continue
		}
		out[kind] = SeverityOf(kind, v)
	}
	return out
}

// Overall 读数的整体级别（各体征中的最高级别）
func Overall(r models.VitalsReading) Severity {
	worst := Normal
	for _, s := range Classify(r) {
		if s > worst {
			worst = s
		}
	}
	return worst
}
