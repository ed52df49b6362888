// Package evaluator классифицирует показания датчиков: норма и тревога.
//
// В пакете две независимые политики тревоги. IngestionAlertPolicy работает от
// настраиваемого порога датчика и решает, создавать ли уведомление.
// BroadcastAlertPolicy — грубые жёстко заданные пороги realtime-канала.
// Они расходятся намеренно, до продуктового решения не объединять.
package evaluator

import "github.com/cascowatch/internal/model"

// Result — классификация показания.
type Result struct {
	IsNormal bool `json:"isNormal"`
	IsAlert  bool `json:"isAlert"`
}

// Evaluate — чистая функция: одинаковые (value, sensor) всегда дают одинаковый Result.
func Evaluate(value float64, sensor model.Sensor) Result {
	return Result{
		IsNormal: IsNormal(value, sensor),
		IsAlert:  IngestionAlertPolicy(value, sensor),
	}
}

// IsNormal — значение внутри [MinValue, MaxValue]; nil-граница не ограничивает.
// GPS всегда в норме: числового диапазона у него нет.
func IsNormal(value float64, sensor model.Sensor) bool {
	if sensor.Type == model.SensorGPS {
		return true
	}
	if sensor.MinValue != nil && value < *sensor.MinValue {
		return false
	}
	if sensor.MaxValue != nil && value > *sensor.MaxValue {
		return false
	}
	return true
}

// IngestionAlertPolicy — тревога по порогу датчика. Не зависит от IsNormal:
// выход из нормы и критическая тревога: разные уровни.
func IngestionAlertPolicy(value float64, sensor model.Sensor) bool {
	if sensor.AlertThreshold == nil {
		return false
	}
	t := *sensor.AlertThreshold
	switch sensor.Type {
	case model.SensorHeartRate:
		return value > t || value < t*0.5
	case model.SensorGas:
		return value > t
	case model.SensorBodyTemperature:
		return value > t || value < t-5
	default:
		return false
	}
}

// Жёсткие пороги realtime-канала.
const (
	BroadcastHeartRateHigh = 120.0
	BroadcastHeartRateLow  = 50.0
	BroadcastTempHigh      = 38.5
	BroadcastTempLow       = 35.0
	BroadcastGasHigh       = 50.0
)

// BroadcastAlertPolicy — является ли показание «критическим» для live-рассылки.
// Смотрит только на тип датчика и значение, конфигурацию датчика не учитывает.
func BroadcastAlertPolicy(sensorType model.SensorType, value float64) bool {
	switch sensorType {
	case model.SensorHeartRate:
		return value > BroadcastHeartRateHigh || value < BroadcastHeartRateLow
	case model.SensorBodyTemperature:
		return value > BroadcastTempHigh || value < BroadcastTempLow
	case model.SensorGas:
		return value > BroadcastGasHigh
	default:
		return false
	}
}

// AlertPriority — приоритет уведомления о тревоге: газ и отклонение от порога
// больше чем на 20%: critical, остальное: high.
func AlertPriority(value float64, sensor model.Sensor) model.Priority {
	if sensor.Type == model.SensorGas {
		return model.PriorityCritical
	}
	if sensor.AlertThreshold == nil || *sensor.AlertThreshold == 0 {
		return model.PriorityHigh
	}
	t := *sensor.AlertThreshold
	dev := (value - t) / t
	if dev < 0 {
		dev = -dev
	}
	if value > t && dev > 0.2 {
		return model.PriorityCritical
	}
	// Низкие значения сравниваются с нижней границей тревоги соответствующего типа.
	var low float64
	switch sensor.Type {
	case model.SensorHeartRate:
		low = t * 0.5
	case model.SensorBodyTemperature:
		low = t - 5
	default:
		return model.PriorityHigh
	}
	if value < low && low != 0 && (low-value)/low > 0.2 {
		return model.PriorityCritical
	}
	return model.PriorityHigh
}
