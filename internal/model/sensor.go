package model

import "time"

type SensorType string

const (
	SensorGPS             SensorType = "gps"
	SensorHeartRate       SensorType = "heart_rate"
	SensorBodyTemperature SensorType = "body_temperature"
	SensorGas             SensorType = "gas"
)

// Sensor — конфигурация датчика каски. Показания ссылаются на неё, но не владеют ей.
type Sensor struct {
	ID             string     `json:"id"`
	CascoID        string     `json:"cascoId"`
	Type           SensorType `json:"type"`
	MinValue       *float64   `json:"minValue,omitempty"`
	MaxValue       *float64   `json:"maxValue,omitempty"`
	Unit           string     `json:"unit"`
	SampleRate     int        `json:"sampleRate"`
	AlertThreshold *float64   `json:"alertThreshold,omitempty"`
	Active         bool       `json:"active"`
}

// Casco — каска (носимое устройство), владеет датчиками.
type Casco struct {
	ID              string    `json:"id"`
	Serial          string    `json:"serial"`
	MinerID         *string   `json:"minerId,omitempty"`
	TeamID          *string   `json:"teamId,omitempty"`
	DeviceTokenHash string    `json:"-"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"createdAt"`
}
