package ws

import (
	"time"

	"github.com/cascowatch/internal/model"
)

type EventType string

const (
	EventReading      EventType = "reading"
	EventAlert        EventType = "alert"
	EventNotification EventType = "notification"
	EventPing         EventType = "ping"
	EventPong         EventType = "pong"
	EventError        EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type EventType `json:"type"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// ReadingPayload is broadcast to the miner room for every stored reading.
type ReadingPayload struct {
	SensorType model.SensorType     `json:"sensorType"`
	Reading    *model.SensorReading `json:"reading"`
}

// AlertPayload is broadcast when the realtime threshold check flags a reading as critical.
// The check is independent from the ingestion alert flag on the reading itself.
type AlertPayload struct {
	MinerID    string               `json:"minerId"`
	CascoID    string               `json:"cascoId"`
	SensorType model.SensorType     `json:"sensorType"`
	Value      float64              `json:"value"`
	Reading    *model.SensorReading `json:"reading"`
	At         time.Time            `json:"at"`
}

// PongPayload answers a client ping.
type PongPayload struct {
	ServerTime time.Time `json:"serverTime"`
}
