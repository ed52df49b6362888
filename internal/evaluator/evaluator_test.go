package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cascowatch/internal/model"
)

func f(v float64) *float64 { return &v }

func TestIsNormalRange(t *testing.T) {
	s := model.Sensor{Type: model.SensorHeartRate, MinValue: f(60), MaxValue: f(100)}
	for _, v := range []float64{60, 75, 100} {
		assert.True(t, IsNormal(v, s), "value %v", v)
	}
	for _, v := range []float64{59.9, 100.1, -1} {
		assert.False(t, IsNormal(v, s), "value %v", v)
	}
}

func TestIsNormalNilBoundsAreUnbounded(t *testing.T) {
	onlyMax := model.Sensor{Type: model.SensorGas, MaxValue: f(50)}
	assert.True(t, IsNormal(-1000, onlyMax))
	assert.False(t, IsNormal(51, onlyMax))

	onlyMin := model.Sensor{Type: model.SensorGas, MinValue: f(0)}
	assert.True(t, IsNormal(1e9, onlyMin))
	assert.False(t, IsNormal(-0.1, onlyMin))

	none := model.Sensor{Type: model.SensorBodyTemperature}
	assert.True(t, IsNormal(1e9, none))
}

func TestGPSAlwaysNormal(t *testing.T) {
	s := model.Sensor{Type: model.SensorGPS, MinValue: f(0), MaxValue: f(1), AlertThreshold: f(1)}
	r := Evaluate(500, s)
	assert.True(t, r.IsNormal)
	assert.False(t, r.IsAlert)
}

func TestHeartRateAlertIff(t *testing.T) {
	s := model.Sensor{Type: model.SensorHeartRate, AlertThreshold: f(120)}
	cases := map[float64]bool{
		121: true, 120: false, 60: false, 59.99: true, 0: true, 90: false,
	}
	for v, want := range cases {
		assert.Equal(t, want, IngestionAlertPolicy(v, s), "value %v", v)
	}
}

func TestGasAlert(t *testing.T) {
	s := model.Sensor{Type: model.SensorGas, AlertThreshold: f(50)}
	assert.True(t, IngestionAlertPolicy(50.1, s))
	assert.False(t, IngestionAlertPolicy(50, s))
	assert.False(t, IngestionAlertPolicy(0, s))
}

func TestBodyTemperatureAlert(t *testing.T) {
	s := model.Sensor{Type: model.SensorBodyTemperature, AlertThreshold: f(38)}
	assert.True(t, IngestionAlertPolicy(38.5, s))
	assert.True(t, IngestionAlertPolicy(32.9, s))
	assert.False(t, IngestionAlertPolicy(33, s))
	assert.False(t, IngestionAlertPolicy(36.6, s))
}

func TestNoThresholdNeverAlerts(t *testing.T) {
	for _, typ := range []model.SensorType{model.SensorHeartRate, model.SensorGas, model.SensorBodyTemperature, model.SensorGPS} {
		s := model.Sensor{Type: typ}
		assert.False(t, IngestionAlertPolicy(1e6, s), "type %s", typ)
		assert.False(t, IngestionAlertPolicy(-1e6, s), "type %s", typ)
	}
}

func TestNormalAndAlertAreIndependent(t *testing.T) {
	s := model.Sensor{Type: model.SensorHeartRate, MinValue: f(60), MaxValue: f(100), AlertThreshold: f(120)}

	assert.Equal(t, Result{IsNormal: false, IsAlert: true}, Evaluate(125, s))
	// Вне нормы, но ещё не тревога.
	assert.Equal(t, Result{IsNormal: false, IsAlert: false}, Evaluate(110, s))
	// В норме, но ниже половины порога не бывает при min=60: проверяем на датчике без min.
	s.MinValue = nil
	assert.Equal(t, Result{IsNormal: true, IsAlert: true}, Evaluate(50, s))
}

func TestEvaluateIsDeterministic(t *testing.T) {
	s := model.Sensor{Type: model.SensorBodyTemperature, MinValue: f(35), MaxValue: f(37.5), AlertThreshold: f(38)}
	first := Evaluate(39.1, s)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Evaluate(39.1, s))
	}
}

func TestGasScenarioWithinRange(t *testing.T) {
	s := model.Sensor{Type: model.SensorGas, MinValue: f(0), MaxValue: f(40), AlertThreshold: f(50)}
	assert.Equal(t, Result{IsNormal: true, IsAlert: false}, Evaluate(30, s))
}

func TestBroadcastPolicyDiffersFromIngestionPolicy(t *testing.T) {
	// Порог датчика 150: для приёма это не тревога, для realtime: уже критично.
	s := model.Sensor{Type: model.SensorHeartRate, AlertThreshold: f(150)}
	assert.False(t, IngestionAlertPolicy(130, s))
	assert.True(t, BroadcastAlertPolicy(model.SensorHeartRate, 130))

	assert.True(t, BroadcastAlertPolicy(model.SensorBodyTemperature, 34.9))
	assert.False(t, BroadcastAlertPolicy(model.SensorBodyTemperature, 37))
	assert.True(t, BroadcastAlertPolicy(model.SensorGas, 51))
	assert.False(t, BroadcastAlertPolicy(model.SensorGPS, 1e6))
}

func TestAlertPriority(t *testing.T) {
	hr := model.Sensor{Type: model.SensorHeartRate, AlertThreshold: f(120)}
	assert.Equal(t, model.PriorityHigh, AlertPriority(125, hr))
	assert.Equal(t, model.PriorityCritical, AlertPriority(150, hr))
	assert.Equal(t, model.PriorityHigh, AlertPriority(55, hr))
	assert.Equal(t, model.PriorityCritical, AlertPriority(40, hr))

	gas := model.Sensor{Type: model.SensorGas, AlertThreshold: f(50)}
	assert.Equal(t, model.PriorityCritical, AlertPriority(51, gas))

	temp := model.Sensor{Type: model.SensorBodyTemperature, AlertThreshold: f(38)}
	assert.Equal(t, model.PriorityHigh, AlertPriority(39, temp))
	assert.Equal(t, model.PriorityCritical, AlertPriority(46, temp))
}
