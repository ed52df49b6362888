package model

import (
	"encoding/json"
	"time"
)

// Location — разобранная геопозиция показания.
type Location struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Altitude *float64 `json:"altitude,omitempty"`
}

// SensorReading — неизменяемый факт измерения. Создаётся один раз при приёме.
type SensorReading struct {
	ID             string         `json:"id"`
	SensorID       string         `json:"sensorId"`
	CascoID        string         `json:"cascoId"`
	MinerID        string         `json:"minerId,omitempty"`
	Value          float64        `json:"value"`
	Unit           string         `json:"unit"`
	Timestamp      time.Time      `json:"timestamp"`
	ReceivedAt     time.Time      `json:"receivedAt"`
	IsNormal       bool           `json:"isNormal"`
	IsAlert        bool           `json:"isAlert"`
	BatteryLevel   *float64       `json:"batteryLevel,omitempty"`
	SignalStrength *float64       `json:"signalStrength,omitempty"`
	Location       *Location      `json:"location,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ReadingInput — сырое показание от устройства или API до валидации.
// Location и Metadata принимаются как объект или как JSON-строка.
type ReadingInput struct {
	SensorID       string          `json:"sensorId"`
	CascoID        string          `json:"cascoId"`
	MinerID        string          `json:"minerId"`
	Value          *float64        `json:"value"`
	Unit           string          `json:"unit"`
	BatteryLevel   *float64        `json:"batteryLevel,omitempty"`
	SignalStrength *float64        `json:"signalStrength,omitempty"`
	Location       json.RawMessage `json:"location,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Timestamp      json.RawMessage `json:"timestamp,omitempty"`
}

// ReadingFilter — выборка из временного ряда. Пустые поля не фильтруют.
type ReadingFilter struct {
	SensorID   string
	CascoID    string
	MinerID    string
	SensorType SensorType
	From       *time.Time
	To         *time.Time
	OnlyAlerts bool
	Limit      int
}

// Bucket — шаг агрегации временного ряда.
type Bucket string

const (
	BucketMinute Bucket = "minute"
	BucketHour   Bucket = "hour"
	BucketDay    Bucket = "day"
)

// Aggregator — функция агрегации внутри бакета.
type Aggregator string

const (
	AggAvg   Aggregator = "avg"
	AggMin   Aggregator = "min"
	AggMax   Aggregator = "max"
	AggSum   Aggregator = "sum"
	AggCount Aggregator = "count"
)

// SeriesPoint — одна точка агрегированного ряда.
type SeriesPoint struct {
	Bucket time.Time `json:"bucket"`
	Value  float64   `json:"value"`
	Count  int64     `json:"count"`
}
