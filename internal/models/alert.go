package models

import "time"

// EmergencyAlert живёт только как payload broadcast-события и как запись
// в локальном наборе активных тревог на принимающей стороне.
type EmergencyAlert struct {
	SOSID       string     `json:"sos_id"`
	DeviceID    string     `json:"device_id"`
	DisplayName string     `json:"display_name"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// CloudRecordingSession — идентификаторы облачной записи стрима.
// Создаётся при активации SOS, расходуется при отмене. SOSID привязывает
// запись к конкретной тревоге: чужая сессия в сторе — сирота, не повод
// пропускать запись для новой.
type CloudRecordingSession struct {
	ResourceID string `json:"resource_id"`
	SID        string `json:"sid"`
	DeviceID   string `json:"device_id"`
	SOSID      string `json:"sos_id,omitempty"`
}
