package messages

import "time"

// TrackingChanged публикуется в Kafka при каждом upsert'е строки трекинга.
// Служит резервным фидом для получателей на случай пропущенного broadcast'а.
type TrackingChanged struct {
	DeviceID string `json:"device_id"`
	GroupID  string `json:"group_id"`

	Status     string `json:"status"`
	GPSQuality string `json:"gps_quality,omitempty"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}
