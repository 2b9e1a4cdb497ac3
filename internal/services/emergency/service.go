package emergency

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SableFox/SafeBeacon/internal/broker"
	"github.com/SableFox/SafeBeacon/internal/broker/messages"
	"github.com/SableFox/SafeBeacon/internal/integrations/functions"
	"github.com/SableFox/SafeBeacon/internal/localstore"
	"github.com/SableFox/SafeBeacon/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrAlreadyActive = errors.New("emergency: sos already active")
	ErrNotActive     = errors.New("emergency: sos is not active")
	ErrRateLimited   = errors.New("emergency: check-in rate limit exceeded")
)

const (
	// бюджет на publish в канал: пользовательский переход не ждёт дольше
	broadcastBudget = 2500 * time.Millisecond

	// бюджет на двухфазный замер координат при срабатывании
	fixBudget = 4 * time.Second

	// фоновые вызовы функций (push, запись, SMS)
	jobBudget = 30 * time.Second
)

type Pipeline interface {
	Start()
	Stop(ctx context.Context)
	SyncEmergencyFix(ctx context.Context) (*models.Fix, error)
}

type Sessions interface {
	SetSessionStatus(ctx context.Context, deviceID, status string) error
}

type RateLimiter interface {
	AllowCheckIn(ctx context.Context, deviceID string, limit int64) (bool, int64, error)
}

// Haptics — вибромотор устройства. Реализация может быть пустой.
type Haptics interface {
	Pulse(pattern string)
}

// Job — наблюдаемая фоновая задача активации. Done закрывается по
// завершении, после этого Err читается безопасно.
type Job struct {
	done chan struct{}
	err  error
}

func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Activation — результат срабатывания SOS: идентификатор тревоги и
// хэндлы фоновых задач.
type Activation struct {
	SOSID     string
	Link      string
	Push      *Job
	Recording *Job
	SMS       *Job
}

// Service держит состояние тревоги устройства и проводит переходы
// NORMAL <-> SOS_ACTIVE со всеми побочными эффектами.
type Service struct {
	channel   broker.FleetChannel
	functions functions.Client
	pipeline  Pipeline
	sessions  Sessions
	store     localstore.Store
	rl        RateLimiter
	haptics   Haptics
	log       *slog.Logger

	deviceID    string
	groupID     string
	displayName string

	shareLinkBase     string
	smsEnabled        bool
	smsTo             string
	recordingAttempts int
	recordingDelay    time.Duration
	checkInLimit      int64

	mu    sync.Mutex
	state models.EmergencyState
	sosID string

	offlineMu    sync.Mutex
	offlineDelay time.Duration
	offlineRetry *time.Timer
}

func New(channel broker.FleetChannel, fns functions.Client, pipeline Pipeline, sessions Sessions, store localstore.Store, deviceID, groupID, displayName string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		channel:     channel,
		functions:   fns,
		pipeline:    pipeline,
		sessions:    sessions,
		store:       store,
		log:         log,
		deviceID:    deviceID,
		groupID:     groupID,
		displayName: displayName,

		recordingAttempts: 3,
		recordingDelay:    2 * time.Second,
		checkInLimit:      6,
		offlineDelay:      5 * time.Second,
	}
	s.restoreState()
	return s
}

// WithPipeline подвязывает пайплайн после конструктора: сервисы ссылаются
// друг на друга, и кто-то должен создаться первым.
func (s *Service) WithPipeline(p Pipeline) *Service {
	s.pipeline = p
	return s
}

func (s *Service) WithShareLink(base string) *Service {
	s.shareLinkBase = base
	return s
}

func (s *Service) WithSMSRelay(enabled bool, to string) *Service {
	s.smsEnabled = enabled && to != ""
	s.smsTo = to
	return s
}

func (s *Service) WithRecordingRetry(attempts int, delay time.Duration) *Service {
	if attempts > 0 {
		s.recordingAttempts = attempts
	}
	if delay > 0 {
		s.recordingDelay = delay
	}
	return s
}

func (s *Service) WithRateLimiter(rl RateLimiter, perMinute int64) *Service {
	s.rl = rl
	if perMinute > 0 {
		s.checkInLimit = perMinute
	}
	return s
}

func (s *Service) WithHaptics(h Haptics) *Service {
	s.haptics = h
	return s
}

// restoreState поднимает тревогу после рестарта процесса: если SOS был
// активен, устройство обязано проснуться в том же состоянии.
func (s *Service) restoreState() {
	if s.store == nil {
		return
	}
	if sosID, ok, err := s.store.Get(localstore.KeySOSActive); err == nil && ok && sosID != "" {
		s.state = models.StateSOSActive
		s.sosID = sosID
		s.log.Warn("restored active sos after restart", "sos_id", sosID)
	}
}

// State возвращает текущее состояние тревоги.
func (s *Service) State() models.EmergencyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionStatus реализует источник статуса для пайплайна трекинга.
func (s *Service) SessionStatus() string {
	return s.State().SessionStatus()
}

// Trigger активирует SOS. Порядок жёсткий: сначала локальный флаг (он
// переживает падение любого следующего шага), потом фикс, потом broadcast,
// и только затем фоновые задачи.
func (s *Service) Trigger(ctx context.Context) (*Activation, error) {
	s.mu.Lock()
	if !s.state.CanTransitionTo(models.StateSOSActive) {
		s.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	sosID := uuid.NewString()
	s.state = models.StateSOSActive
	s.sosID = sosID
	s.mu.Unlock()

	if err := s.store.Set(localstore.KeySOSActive, sosID); err != nil {
		s.log.Warn("persist sos flag failed", "error", err)
	}
	if s.haptics != nil {
		s.haptics.Pulse("sos")
	}

	var lat, lon *float64
	if s.pipeline != nil {
		// флаг уже стоит, так что первый же аплоад цикла отдаст статус SOS
		s.pipeline.Start()

		fixCtx, cancel := context.WithTimeout(ctx, fixBudget)
		fix, err := s.pipeline.SyncEmergencyFix(fixCtx)
		cancel()
		if err != nil {
			s.log.Warn("sos fix failed, broadcasting without coordinates", "error", err)
		} else if fix.Latitude != 0 || fix.Longitude != 0 {
			lat, lon = &fix.Latitude, &fix.Longitude
		}
	}

	ev := messages.Event{
		Type:        messages.EventSOS,
		SOSID:       sosID,
		DeviceID:    s.deviceID,
		DisplayName: s.displayName,
		GroupID:     s.groupID,
		Latitude:    lat,
		Longitude:   lon,
		Link:        s.shareLink(lat, lon),
		Timestamp:   time.Now().UTC(),
	}
	s.publish(ctx, ev)

	act := &Activation{SOSID: sosID, Link: ev.Link}
	act.Push = s.runJob("push fanout", func(ctx context.Context) error {
		return s.functions.TriggerPush(ctx, ev)
	})
	act.Recording = s.runJob("start recording", func(ctx context.Context) error {
		return s.startRecordingOnce(ctx, sosID)
	})
	if s.smsEnabled {
		act.SMS = s.runJob("sms relay", func(ctx context.Context) error {
			body := fmt.Sprintf("SOS from %s", s.displayName)
			if ev.Link != "" {
				body += " " + ev.Link
			}
			return s.functions.SendSMS(ctx, s.smsTo, body)
		})
	}
	return act, nil
}

// shareLink строит ссылку на живую карту. Нулевые координаты в ссылку
// не попадают никогда: лучше без ссылки, чем ссылка в океан у Гвинеи.
func (s *Service) shareLink(lat, lon *float64) string {
	if s.shareLinkBase == "" || lat == nil || lon == nil {
		return ""
	}
	return fmt.Sprintf("%s/d/%s?lat=%.6f&lon=%.6f", s.shareLinkBase, s.deviceID, *lat, *lon)
}

// startRecordingOnce стартует облачную запись не более одного раза на
// тревогу: идентификаторы сессии персистятся до вызова повторов. Сессия
// от прошлой тревоги (например отмена не смогла её остановить) глохнет
// best-effort и не блокирует запись текущей.
func (s *Service) startRecordingOnce(ctx context.Context, sosID string) error {
	if raw, ok, err := s.store.Get(localstore.KeyRecordingSession); err == nil && ok && raw != "" {
		var rec models.CloudRecordingSession
		if json.Unmarshal([]byte(raw), &rec) == nil && rec.SOSID == sosID {
			s.log.Warn("recording already running, not starting another", "sos_id", sosID)
			return nil
		}
		s.log.Warn("found orphaned recording session, stopping it", "sos_id", rec.SOSID)
		if err := s.stopRecording(ctx); err != nil {
			s.log.Warn("stop orphaned recording failed", "error", err)
			_ = s.store.Delete(localstore.KeyRecordingSession)
		}
	}

	var lastErr error
	for attempt := 0; attempt < s.recordingAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.recordingDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		rs, err := s.functions.StartRecording(ctx, s.deviceID, s.groupID)
		if err != nil {
			lastErr = err
			continue
		}
		b, _ := json.Marshal(models.CloudRecordingSession{
			ResourceID: rs.ResourceID,
			SID:        rs.SID,
			DeviceID:   s.deviceID,
			SOSID:      sosID,
		})
		if err := s.store.Set(localstore.KeyRecordingSession, string(b)); err != nil {
			s.log.Warn("persist recording session failed", "error", err)
		}
		return nil
	}
	return errors.Wrap(lastErr, "start recording")
}

// SetCancelPIN сохраняет хэш PIN-кода отбоя. Пустой PIN снимает защиту.
func (s *Service) SetCancelPIN(pin string) error {
	if pin == "" {
		return s.store.Delete(localstore.KeyPINHash)
	}
	return s.store.Set(localstore.KeyPINHash, hashPIN(pin))
}

// VerifyCancelPIN: если PIN не установлен, отбой разрешён любому.
func (s *Service) VerifyCancelPIN(pin string) bool {
	stored, ok, err := s.store.Get(localstore.KeyPINHash)
	if err != nil || !ok || stored == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(hashPIN(pin))) == 1
}

func hashPIN(pin string) string {
	sum := sha256.Sum256([]byte("beacon-pin:" + pin))
	return hex.EncodeToString(sum[:])
}

// Cancel снимает тревогу. Broadcast идёт ПЕРВЫМ: получатели должны
// перестать верещать, даже если остальная зачистка упадёт.
func (s *Service) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.CanTransitionTo(models.StateNormal) {
		s.mu.Unlock()
		return ErrNotActive
	}
	sosID := s.sosID
	s.state = models.StateNormal
	s.sosID = ""
	s.mu.Unlock()

	s.publish(ctx, messages.Event{
		Type:      messages.EventSOSCancel,
		SOSID:     sosID,
		DeviceID:  s.deviceID,
		GroupID:   s.groupID,
		Timestamp: time.Now().UTC(),
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := s.stopRecording(ctx); err != nil {
			s.log.Warn("stop recording failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.store.Delete(localstore.KeySOSActive); err != nil {
			s.log.Warn("clear sos flag failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if s.pipeline != nil {
			s.pipeline.Stop(ctx)
		}
		// привилегированная сверка поверх собственной записи пайплайна:
		// во время инцидента сеть забита медиа, запись легко теряется
		if err := s.MarkOffline(ctx); err != nil {
			s.log.Warn("offline reconciliation failed", "error", err)
		}
	}()
	wg.Wait()
	return nil
}

func (s *Service) stopRecording(ctx context.Context) error {
	raw, ok, err := s.store.Get(localstore.KeyRecordingSession)
	if err != nil || !ok || raw == "" {
		return err
	}
	var rec models.CloudRecordingSession
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// битая запись бесполезна, выкидываем
		_ = s.store.Delete(localstore.KeyRecordingSession)
		return errors.Wrap(err, "decode recording session")
	}
	if err := s.functions.StopRecording(ctx, s.deviceID, functions.RecordingSession{ResourceID: rec.ResourceID, SID: rec.SID}); err != nil {
		return err
	}
	return s.store.Delete(localstore.KeyRecordingSession)
}

// CheckIn шлёт в группу "я в порядке". Частота ограничена, чтобы кнопку
// нельзя было зажать и затопить канал.
func (s *Service) CheckIn(ctx context.Context) error {
	if s.rl != nil && s.checkInLimit > 0 {
		allowed, n, err := s.rl.AllowCheckIn(ctx, s.deviceID, s.checkInLimit)
		if err != nil {
			// лимитер лежит — check_in важнее лимита
			s.log.Warn("check-in rate limiter unavailable", "error", err)
		} else if !allowed {
			s.log.Warn("check-in rate limited", "count", n)
			return ErrRateLimited
		}
	}
	return s.publishErr(ctx, messages.Event{
		Type:        messages.EventCheckIn,
		DeviceID:    s.deviceID,
		DisplayName: s.displayName,
		GroupID:     s.groupID,
		Timestamp:   time.Now().UTC(),
	})
}

// MarkOffline помечает строку трекинга как OFFLINE при остановке агента.
// При неудаче взводится ровно один отложенный повтор; повторные вызовы
// перевзводят таймер, а не добавляют новый.
func (s *Service) MarkOffline(ctx context.Context) error {
	if s.sessions == nil {
		return nil
	}
	err := s.sessions.SetSessionStatus(ctx, s.deviceID, models.SessionStatusOffline)
	if err == nil {
		return nil
	}
	s.log.Warn("mark offline failed, arming retry", "error", err)

	s.offlineMu.Lock()
	defer s.offlineMu.Unlock()
	if s.offlineRetry != nil {
		s.offlineRetry.Reset(s.offlineDelay)
		return err
	}
	s.offlineRetry = time.AfterFunc(s.offlineDelay, func() {
		rctx, cancel := context.WithTimeout(context.Background(), jobBudget)
		defer cancel()
		if rerr := s.sessions.SetSessionStatus(rctx, s.deviceID, models.SessionStatusOffline); rerr != nil {
			s.log.Warn("offline retry failed, giving up", "error", rerr)
		}
	})
	return err
}

func (s *Service) publish(ctx context.Context, ev messages.Event) {
	if err := s.publishErr(ctx, ev); err != nil {
		s.log.Warn("broadcast failed", "event", ev.Type, "error", err)
	}
}

func (s *Service) publishErr(ctx context.Context, ev messages.Event) error {
	if s.channel == nil {
		return nil
	}
	bctx, cancel := context.WithTimeout(ctx, broadcastBudget)
	defer cancel()
	return s.channel.Publish(bctx, s.groupID, ev)
}

// runJob запускает фоновую задачу на собственном контексте: задачи
// активации не должны умирать вместе с HTTP-запросом, который их породил.
func (s *Service) runJob(name string, fn func(context.Context) error) *Job {
	j := &Job{done: make(chan struct{})}
	go func() {
		defer close(j.done)
		ctx, cancel := context.WithTimeout(context.Background(), jobBudget)
		defer cancel()
		if err := fn(ctx); err != nil {
			j.err = err
			s.log.Error(name, "error", err)
		}
	}()
	return j
}
