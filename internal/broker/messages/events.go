package messages

import "time"

type EventType string

// События fleet-канала. Один канал на группу, payload — плоский JSON.
const (
	EventSOS            EventType = "sos"
	EventSOSCancel      EventType = "sos_cancel"
	EventSOSAcknowledge EventType = "sos_acknowledge"
	EventCheckIn        EventType = "check_in"
)

type Event struct {
	Type EventType `json:"type"`

	SOSID       string `json:"sos_id,omitempty"`
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name,omitempty"`
	GroupID     string `json:"group_id"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	Link           string `json:"link,omitempty"`
	AcknowledgedBy string `json:"acknowledged_by,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
