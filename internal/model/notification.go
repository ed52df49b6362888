package model

import "time"

type NotificationType string

const (
	NotificationSensor     NotificationType = "sensor"
	NotificationSupervisor NotificationType = "supervisor"
	NotificationGeneral    NotificationType = "general"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid — приоритет из известного набора.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type Channel string

const (
	ChannelDatabase Channel = "database"
	ChannelPush     Channel = "push"
	ChannelEmail    Channel = "email"
)

// Notification — запись уведомления. Меняются только флаги прочтения и доставки.
type Notification struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	Type             NotificationType `json:"type"`
	Title            string           `json:"title"`
	Message          string           `json:"message"`
	Priority         Priority         `json:"priority"`
	IsRead           bool             `json:"isRead"`
	Data             map[string]any   `json:"data,omitempty"`
	DeliveryChannels []Channel        `json:"deliveryChannels"`
	EmailSent        bool             `json:"emailSent"`
	PushSent         bool             `json:"pushSent"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// HasChannel — канал входит в набор доставки.
func (n *Notification) HasChannel(c Channel) bool {
	for _, ch := range n.DeliveryChannels {
		if ch == c {
			return true
		}
	}
	return false
}

// NotificationSpec — запрос на создание уведомления.
type NotificationSpec struct {
	UserID   string           `json:"userId"`
	Type     NotificationType `json:"type"`
	Title    string           `json:"title"`
	Message  string           `json:"message"`
	Priority Priority         `json:"priority"`
	Data     map[string]any   `json:"data,omitempty"`
	Channels []Channel        `json:"deliveryChannels,omitempty"`
}
