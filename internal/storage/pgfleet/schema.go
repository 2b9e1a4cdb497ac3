package pgfleet

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS fleets (
  id TEXT PRIMARY KEY,
  invite_code TEXT NOT NULL UNIQUE,
  owner_id TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS fleet_members (
  group_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (group_id, user_id)
)`,
		`
CREATE TABLE IF NOT EXISTS devices (
  device_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  group_id TEXT NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  last_seen_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_group_id ON devices(group_id)`,
		// Ровно одна строка трекинга на устройство: device_id — первичный ключ,
		// все записи идут upsert'ом.
		`
CREATE TABLE IF NOT EXISTS tracking_sessions (
  device_id TEXT PRIMARY KEY,
  group_id TEXT NOT NULL,
  latitude DOUBLE PRECISION NULL,
  longitude DOUBLE PRECISION NULL,
  battery_level INT NULL,
  status TEXT NOT NULL DEFAULT 'ACTIVE',
  gps_quality TEXT NOT NULL DEFAULT 'GOOD',
  gps_accuracy_m DOUBLE PRECISION NULL,
  speed DOUBLE PRECISION NULL,
  heading DOUBLE PRECISION NULL,
  altitude DOUBLE PRECISION NULL,
  last_updated TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_sessions_group_id ON tracking_sessions(group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_sessions_group_status ON tracking_sessions(group_id, status)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
