package pgfleet

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ErrSignatureMismatch: текущая схема бэкенда не принимает такой набор
// аргументов (например нет колонки display_name). Вызывающий повторяет
// операцию с урезанным набором.
var ErrSignatureMismatch = errors.New("register-or-move: argument shape unsupported by backend")

var ErrUnknownInvite = errors.New("unknown invite code")

type RegisterDeviceInput struct {
	DeviceID    string
	GroupID     string
	UserID      string
	DisplayName string
}

// RegisterDeviceResult — то, что бэкенд эхом вернул после регистрации.
// Сравнение с запрошенными значениями делает вызывающая сторона
// (анти-takeover guard), здесь значения не интерпретируются.
type RegisterDeviceResult struct {
	DeviceID string
	GroupID  string
	UserID   string
}

// RegisterOrMoveDevice атомарно регистрирует устройство или переносит его в
// другую группу. Одна строка на device_id; владелец (user_id) при переносе
// сохраняется — устройство перемещается, а не дублируется.
func (s *Storage) RegisterOrMoveDevice(ctx context.Context, in RegisterDeviceInput) (RegisterDeviceResult, error) {
	if in.DisplayName != "" && !s.hasDisplayName {
		return RegisterDeviceResult{}, ErrSignatureMismatch
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return RegisterDeviceResult{}, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var out RegisterDeviceResult
	if in.DisplayName != "" {
		err = tx.QueryRow(ctx, `
INSERT INTO devices (device_id, user_id, group_id, display_name, last_seen_at, created_at)
VALUES ($1,$2,$3,$4,$5,$5)
ON CONFLICT (device_id)
DO UPDATE SET
  group_id = EXCLUDED.group_id,
  display_name = EXCLUDED.display_name,
  last_seen_at = EXCLUDED.last_seen_at
RETURNING device_id, group_id, user_id
`, in.DeviceID, in.UserID, in.GroupID, in.DisplayName, now).Scan(&out.DeviceID, &out.GroupID, &out.UserID)
	} else {
		err = tx.QueryRow(ctx, `
INSERT INTO devices (device_id, user_id, group_id, last_seen_at, created_at)
VALUES ($1,$2,$3,$4,$4)
ON CONFLICT (device_id)
DO UPDATE SET
  group_id = EXCLUDED.group_id,
  last_seen_at = EXCLUDED.last_seen_at
RETURNING device_id, group_id, user_id
`, in.DeviceID, in.UserID, in.GroupID, now).Scan(&out.DeviceID, &out.GroupID, &out.UserID)
	}
	if err != nil {
		return RegisterDeviceResult{}, errors.Wrap(err, "upsert device")
	}

	if err := tx.Commit(ctx); err != nil {
		return RegisterDeviceResult{}, errors.Wrap(err, "commit tx")
	}
	return out, nil
}

// IsMember: владелец группы тоже считается участником.
func (s *Storage) IsMember(ctx context.Context, userID, groupID string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM fleet_members WHERE group_id = $1 AND user_id = $2
  UNION ALL
  SELECT 1 FROM fleets WHERE id = $1 AND owner_id = $2
)
`, groupID, userID).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, "select membership")
	}
	return ok, nil
}

func (s *Storage) ResolveInviteCode(ctx context.Context, code string) (string, error) {
	var groupID string
	err := s.db.QueryRow(ctx, `SELECT id FROM fleets WHERE invite_code = $1`, code).Scan(&groupID)
	if err == pgx.ErrNoRows {
		return "", ErrUnknownInvite
	}
	if err != nil {
		return "", errors.Wrap(err, "select fleet by invite")
	}
	return groupID, nil
}

// CreateFleet используется при провижининге группы (и в тестах).
func (s *Storage) CreateFleet(ctx context.Context, id, inviteCode, ownerID string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO fleets (id, invite_code, owner_id)
VALUES ($1,$2,$3)
ON CONFLICT (id) DO NOTHING
`, id, inviteCode, ownerID)
	return errors.Wrap(err, "insert fleet")
}

func (s *Storage) AddMember(ctx context.Context, groupID, userID string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO fleet_members (group_id, user_id)
VALUES ($1,$2)
ON CONFLICT (group_id, user_id) DO NOTHING
`, groupID, userID)
	return errors.Wrap(err, "insert member")
}
