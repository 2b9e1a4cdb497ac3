package models

import "time"

// Статусы сессии трекинга. Переходами управляют только emergency-контроллер
// и сам пайплайн (OFFLINE/ACTIVE по умолчанию), UI их не трогает.
const (
	SessionStatusActive  = "ACTIVE"
	SessionStatusSOS     = "SOS"
	SessionStatusOffline = "OFFLINE"
)

const (
	GPSQualityGood = "GOOD"
	GPSQualityPoor = "POOR"
)

type Device struct {
	DeviceID    string
	UserID      string
	GroupID     string
	DisplayName string
	LastSeenAt  time.Time
	CreatedAt   time.Time
}

// Fix — одно измерение позиции от источника локации.
type Fix struct {
	Latitude  float64
	Longitude float64
	AccuracyM float64
	Speed     *float64
	Heading   *float64
	Altitude  *float64
	TakenAt   time.Time
}

// TrackingSession — ровно одна строка на device_id (upsert по ключу).
type TrackingSession struct {
	DeviceID     string
	GroupID      string
	Latitude     *float64
	Longitude    *float64
	BatteryLevel *int32
	Status       string
	GPSQuality   string
	GPSAccuracyM *float64
	Speed        *float64
	Heading      *float64
	Altitude     *float64
	LastUpdated  time.Time
}
