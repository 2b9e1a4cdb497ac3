package fleet

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/SableFox/SafeBeacon/internal/cache"
	"github.com/SableFox/SafeBeacon/internal/cache/rediscache"
	"github.com/SableFox/SafeBeacon/internal/localstore"
	"github.com/SableFox/SafeBeacon/internal/storage/pgfleet"
	"github.com/pkg/errors"
)

var (
	// ErrAuth — хендшейк запрошен без авторизованного пользователя.
	ErrAuth = errors.New("fleet: not authenticated")
	// ErrInvalidGroup — идентификатор группы не похож на настоящий.
	ErrInvalidGroup = errors.New("fleet: invalid group id")
	// ErrNotAMember — пользователь не состоит в группе.
	ErrNotAMember = errors.New("fleet: user is not a member of group")
	// ErrIdentityMismatch — регистрация эхом вернула чужую привязку
	// (device_id, group_id или user_id). Это фатально: продолжать
	// работу от чужого имени нельзя.
	ErrIdentityMismatch = errors.New("fleet: registered identity does not match requested binding")
	// ErrUnknownInvite — инвайт-код никому не принадлежит.
	ErrUnknownInvite = errors.New("fleet: unknown invite code")
)

var groupIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)

const (
	membershipAttempts = 3
	membershipDelay    = 300 * time.Millisecond

	inviteCacheTTL = 10 * time.Minute
)

type Repository interface {
	RegisterOrMoveDevice(ctx context.Context, in pgfleet.RegisterDeviceInput) (pgfleet.RegisterDeviceResult, error)
	IsMember(ctx context.Context, userID, groupID string) (bool, error)
	ResolveInviteCode(ctx context.Context, code string) (string, error)
	CreateFleet(ctx context.Context, groupID, inviteCode, ownerID string) error
	AddMember(ctx context.Context, groupID, userID string) error
}

type Identity interface {
	DeviceID() (string, error)
}

// Result — итог хендшейка: подтверждённая привязка устройства к группе.
type Result struct {
	DeviceID string
	GroupID  string
}

type call struct {
	done chan struct{}
	res  Result
	err  error
}

// Service проводит хендшейк устройства: проверяет членство, регистрирует
// (или переносит) устройство в группе и сохраняет привязку локально.
// Одновременные запросы схлопываются в один — все ждут общий результат.
type Service struct {
	repo     Repository
	identity Identity
	store    localstore.Store
	cache    cache.BytesCache
	log      *slog.Logger

	userID      string
	displayName string

	mu      sync.Mutex
	pending *call // непустой = хендшейк уже идёт
}

func New(repo Repository, id Identity, store localstore.Store, c cache.BytesCache, userID, displayName string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:        repo,
		identity:    id,
		store:       store,
		cache:       c,
		log:         log,
		userID:      userID,
		displayName: displayName,
	}
}

// Join привязывает устройство к группе. Параллельные вызовы не плодят
// регистраций: второй и последующие дожидаются результата первого.
func (s *Service) Join(ctx context.Context, groupID string) (Result, error) {
	s.mu.Lock()
	if c := s.pending; c != nil {
		s.mu.Unlock()
		select {
		case <-c.done:
			return c.res, c.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	s.pending = c
	s.mu.Unlock()

	c.res, c.err = s.join(ctx, groupID)

	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	close(c.done)

	return c.res, c.err
}

func (s *Service) join(ctx context.Context, groupID string) (Result, error) {
	if s.userID == "" {
		return Result{}, ErrAuth
	}
	if !groupIDRe.MatchString(groupID) {
		return Result{}, ErrInvalidGroup
	}

	deviceID, err := s.identity.DeviceID()
	if err != nil {
		return Result{}, errors.Wrap(err, "resolve device id")
	}

	if err := s.verifyMembership(ctx, groupID); err != nil {
		return Result{}, err
	}

	in := pgfleet.RegisterDeviceInput{
		DeviceID:    deviceID,
		UserID:      s.userID,
		GroupID:     groupID,
		DisplayName: s.displayName,
	}
	res, err := s.repo.RegisterOrMoveDevice(ctx, in)
	if errors.Is(err, pgfleet.ErrSignatureMismatch) && in.DisplayName != "" {
		// хранилище старой схемы, пробуем один раз без display_name
		s.log.Warn("register rejected display_name, retrying without it", "device_id", deviceID)
		in.DisplayName = ""
		res, err = s.repo.RegisterOrMoveDevice(ctx, in)
	}
	if err != nil {
		return Result{}, errors.Wrap(err, "register device")
	}

	// анти-перехват: любое расхождение эха с запрошенной привязкой фатально.
	// user_id старые схемы не возвращают, пустое эхо не считается подменой.
	if res.DeviceID != deviceID || res.GroupID != groupID || (res.UserID != "" && res.UserID != s.userID) {
		s.log.Error("identity mismatch on register",
			"local_device_id", deviceID,
			"returned_device_id", res.DeviceID,
			"requested_group_id", groupID,
			"returned_group_id", res.GroupID,
			"returned_user_id", res.UserID,
		)
		return Result{}, ErrIdentityMismatch
	}

	if err := s.store.Set(localstore.KeyGroupID, groupID); err != nil {
		s.log.Warn("persist group id failed", "error", err)
	}
	if s.displayName != "" {
		if err := s.store.Set(localstore.KeyDisplayName, s.displayName); err != nil {
			s.log.Warn("persist display name failed", "error", err)
		}
	}

	return Result{DeviceID: deviceID, GroupID: groupID}, nil
}

// verifyMembership проверяет членство с короткими повторами: запись в
// fleet_members могла ещё не доехать. Ошибку чтения трактуем оптимистично —
// пусть решает сама регистрация.
func (s *Service) verifyMembership(ctx context.Context, groupID string) error {
	var lastErr error
	for attempt := 0; attempt < membershipAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(membershipDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		ok, err := s.repo.IsMember(ctx, s.userID, groupID)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return nil
		}
	}
	if lastErr != nil {
		s.log.Warn("membership check unreadable, proceeding", "group_id", groupID, "error", lastErr)
		return nil
	}
	return ErrNotAMember
}

// JoinByInvite резолвит инвайт-код в группу, добавляет пользователя в
// участники и проводит обычный хендшейк. Резолв кэшируется.
func (s *Service) JoinByInvite(ctx context.Context, code string) (Result, error) {
	if s.userID == "" {
		return Result{}, ErrAuth
	}
	if code == "" {
		return Result{}, ErrUnknownInvite
	}

	groupID, err := s.resolveInvite(ctx, code)
	if err != nil {
		return Result{}, err
	}

	if err := s.repo.AddMember(ctx, groupID, s.userID); err != nil {
		return Result{}, errors.Wrap(err, "add member")
	}

	res, err := s.Join(ctx, groupID)
	if err != nil {
		return Result{}, err
	}

	// инвайт отработал, больше не держим его как pending
	if err := s.store.Delete(localstore.KeyPendingInvite); err != nil {
		s.log.Warn("clear pending invite failed", "error", err)
	}
	return res, nil
}

func (s *Service) resolveInvite(ctx context.Context, code string) (string, error) {
	key := rediscache.InviteKey(code)
	if s.cache != nil {
		if b, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			return string(b), nil
		}
	}

	groupID, err := s.repo.ResolveInviteCode(ctx, code)
	if errors.Is(err, pgfleet.ErrUnknownInvite) {
		return "", ErrUnknownInvite
	}
	if err != nil {
		return "", errors.Wrap(err, "resolve invite")
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, key, []byte(groupID), inviteCacheTTL)
	}
	return groupID, nil
}

// Resume восстанавливает привязку после рестарта: если группа сохранена
// локально, повторяем хендшейк; если лежит неотработанный инвайт — его.
func (s *Service) Resume(ctx context.Context) (Result, bool, error) {
	if groupID, ok, err := s.store.Get(localstore.KeyGroupID); err == nil && ok && groupID != "" {
		res, err := s.Join(ctx, groupID)
		if err != nil {
			return Result{}, true, err
		}
		return res, true, nil
	}
	if code, ok, err := s.store.Get(localstore.KeyPendingInvite); err == nil && ok && code != "" {
		res, err := s.JoinByInvite(ctx, code)
		if err != nil {
			return Result{}, true, err
		}
		return res, true, nil
	}
	return Result{}, false, nil
}
