package pgfleet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/SableFox/SafeBeacon/internal/models"
	"github.com/pkg/errors"
)

type SessionUpsert struct {
	DeviceID string
	GroupID  string

	Latitude  *float64
	Longitude *float64

	BatteryLevel *int32
	Status       string
	GPSQuality   string
	GPSAccuracyM *float64
	Speed        *float64
	Heading      *float64
	Altitude     *float64

	LastUpdated time.Time
}

// Опциональные колонки: если их нет в схеме бэкенда, строка пишется без них.
var optionalSessionCols = []string{"battery_level", "gps_accuracy_m", "speed", "heading", "altitude"}

// UpsertTrackingSession пишет ровно одну строку на device_id. Конкурентные
// писатели сходятся на upsert'е, дубликатов не бывает.
func (s *Storage) UpsertTrackingSession(ctx context.Context, up SessionUpsert) error {
	if up.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if up.LastUpdated.IsZero() {
		up.LastUpdated = time.Now().UTC()
	}

	cols := []string{"device_id", "group_id", "latitude", "longitude", "status", "gps_quality", "last_updated"}
	args := []any{up.DeviceID, up.GroupID, up.Latitude, up.Longitude, up.Status, up.GPSQuality, up.LastUpdated.UTC()}

	optional := map[string]any{
		"battery_level":  up.BatteryLevel,
		"gps_accuracy_m": up.GPSAccuracyM,
		"speed":          up.Speed,
		"heading":        up.Heading,
		"altitude":       up.Altitude,
	}
	for _, col := range optionalSessionCols {
		if s.sessionCols[col] {
			cols = append(cols, col)
			args = append(args, optional[col])
		}
	}

	placeholders := make([]string, 0, len(cols))
	updates := make([]string, 0, len(cols))
	for i, col := range cols {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		if col == "device_id" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}

	q := fmt.Sprintf(`
INSERT INTO tracking_sessions (%s)
VALUES (%s)
ON CONFLICT (device_id)
DO UPDATE SET %s
`, strings.Join(cols, ", "), strings.Join(placeholders, ","), strings.Join(updates, ", "))

	_, err := s.db.Exec(ctx, q, args...)
	return errors.Wrap(err, "upsert tracking session")
}

// SetSessionStatus — привилегированный путь для принудительного статуса
// (OFFLINE-реконсиляция при отмене SOS). Координаты не трогает.
func (s *Storage) SetSessionStatus(ctx context.Context, deviceID, status string) error {
	_, err := s.db.Exec(ctx, `
UPDATE tracking_sessions
SET status = $2, last_updated = now()
WHERE device_id = $1
`, deviceID, status)
	return errors.Wrap(err, "set session status")
}

// ListSOSSessions возвращает активные SOS-строки группы. Используется
// получателями для ресинка после рестарта во время инцидента.
func (s *Storage) ListSOSSessions(ctx context.Context, groupID string) ([]*models.TrackingSession, error) {
	rows, err := s.db.Query(ctx, `
SELECT
  device_id, group_id, latitude, longitude, battery_level,
  status, gps_quality, gps_accuracy_m, speed, heading, altitude, last_updated
FROM tracking_sessions
WHERE group_id = $1 AND status = $2
`, groupID, models.SessionStatusSOS)
	if err != nil {
		return nil, errors.Wrap(err, "select sos sessions")
	}
	defer rows.Close()

	var out []*models.TrackingSession
	for rows.Next() {
		var t models.TrackingSession
		if err := rows.Scan(
			&t.DeviceID, &t.GroupID, &t.Latitude, &t.Longitude, &t.BatteryLevel,
			&t.Status, &t.GPSQuality, &t.GPSAccuracyM, &t.Speed, &t.Heading, &t.Altitude, &t.LastUpdated,
		); err != nil {
			return nil, errors.Wrap(err, "scan sos session")
		}
		out = append(out, &t)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// GetTrackingSession — одна строка по device_id (диагностика и тесты).
func (s *Storage) GetTrackingSession(ctx context.Context, deviceID string) (*models.TrackingSession, error) {
	var t models.TrackingSession
	err := s.db.QueryRow(ctx, `
SELECT
  device_id, group_id, latitude, longitude, battery_level,
  status, gps_quality, gps_accuracy_m, speed, heading, altitude, last_updated
FROM tracking_sessions
WHERE device_id = $1
`, deviceID).Scan(
		&t.DeviceID, &t.GroupID, &t.Latitude, &t.Longitude, &t.BatteryLevel,
		&t.Status, &t.GPSQuality, &t.GPSAccuracyM, &t.Speed, &t.Heading, &t.Altitude, &t.LastUpdated,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select tracking session")
	}
	return &t, nil
}
