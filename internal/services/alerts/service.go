package alerts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SableFox/SafeBeacon/internal/broker"
	"github.com/SableFox/SafeBeacon/internal/broker/messages"
	"github.com/SableFox/SafeBeacon/internal/localstore"
	"github.com/SableFox/SafeBeacon/internal/models"
	"github.com/pkg/errors"
)

// Alarmer — локальная сирена. Стартует при первой активной тревоге,
// глохнет только когда активных тревог не осталось.
type Alarmer interface {
	Start()
	Stop()
}

// Notifier показывает системное уведомление о событии группы.
type Notifier interface {
	Notify(a models.EmergencyAlert)
}

type SOSLister interface {
	ListSOSSessions(ctx context.Context, groupID string) ([]*models.TrackingSession, error)
}

// Feed — резервный фид изменений строк трекинга (Kafka).
type Feed interface {
	ConsumeTrackingChanged(ctx context.Context, handler func(msg messages.TrackingChanged) error) error
}

const (
	resubscribeDelay = time.Second

	// бюджет на подтверждение подписки; зависший транспорт уходит в retry,
	// а не вешает весь приёмный цикл
	subscribeBudget = 2500 * time.Millisecond
)

// Service — принимающая сторона: держит набор активных чужих тревог,
// слушает канал группы и резервный фид, управляет сиреной.
type Service struct {
	channel  broker.FleetChannel
	feed     Feed
	lister   SOSLister
	store    localstore.Store
	alarm    Alarmer
	notifier Notifier
	log      *slog.Logger

	deviceID string
	groupID  string

	mu      sync.Mutex
	active  map[string]models.EmergencyAlert // device_id -> alert
	alarmOn bool

	totalEvents       atomic.Int64
	totalResyncs      atomic.Int64
	lastEventUnixNano atomic.Int64
}

func New(channel broker.FleetChannel, feed Feed, lister SOSLister, store localstore.Store, deviceID, groupID string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		channel:  channel,
		feed:     feed,
		lister:   lister,
		store:    store,
		log:      log,
		deviceID: deviceID,
		groupID:  groupID,
		active:   map[string]models.EmergencyAlert{},
	}
	s.restore()
	return s
}

func (s *Service) WithAlarm(a Alarmer) *Service {
	s.alarm = a
	s.syncAlarm()
	return s
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// restore поднимает набор тревог после рестарта: пока отмена не пришла,
// тревога остаётся тревогой.
func (s *Service) restore() {
	if s.store == nil {
		return
	}
	raw, ok, err := s.store.Get(localstore.KeyActiveAlerts)
	if err != nil || !ok || raw == "" {
		return
	}
	var saved map[string]models.EmergencyAlert
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		s.log.Warn("drop corrupt active alerts blob", "error", err)
		_ = s.store.Delete(localstore.KeyActiveAlerts)
		return
	}
	s.active = saved
	if len(saved) > 0 {
		s.log.Warn("restored active alerts after restart", "count", len(saved))
	}
}

// Run подписывается на канал группы и резервный фид и крутится до отмены
// контекста. Обрыв подписки лечится переподпиской с ресинком: пропущенные
// события добираются из tracking_sessions.
func (s *Service) Run(ctx context.Context) error {
	if s.feed != nil {
		go func() {
			if err := s.feed.ConsumeTrackingChanged(ctx, s.applyFeed); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("tracking feed consumer stopped", "error", err)
			}
		}()
	}

	for {
		subCtx, cancel := context.WithTimeout(ctx, subscribeBudget)
		events, err := s.channel.Subscribe(subCtx, s.groupID)
		cancel()
		if err != nil {
			s.log.Warn("subscribe failed, retrying", "error", err)
			select {
			case <-time.After(resubscribeDelay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := s.Resync(ctx); err != nil {
			s.log.Warn("resync failed", "error", err)
		}

		if err := s.pump(ctx, events); err != nil {
			return err
		}
		// канал закрылся, идём на новую подписку
	}
}

func (s *Service) pump(ctx context.Context, events <-chan messages.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.Handle(ev)
		}
	}
}

// Handle применяет одно событие канала. Собственное эхо игнорируется:
// устройство-отправитель не должно орать само на себя.
func (s *Service) Handle(ev messages.Event) {
	if ev.DeviceID == s.deviceID {
		return
	}
	s.totalEvents.Add(1)
	s.lastEventUnixNano.Store(time.Now().UTC().UnixNano())

	switch ev.Type {
	case messages.EventSOS:
		a := models.EmergencyAlert{
			SOSID:       ev.SOSID,
			DeviceID:    ev.DeviceID,
			DisplayName: ev.DisplayName,
			Latitude:    ev.Latitude,
			Longitude:   ev.Longitude,
			Timestamp:   ev.Timestamp,
		}
		s.add(a)
	case messages.EventSOSCancel:
		s.remove(ev.DeviceID)
	case messages.EventSOSAcknowledge:
		// информационное: тревогу не трогаем, она живёт до отмены отправителем
		s.log.Info("sos acknowledged", "device_id", ev.DeviceID, "by", ev.AcknowledgedBy)
	case messages.EventCheckIn:
		s.log.Info("check-in", "device_id", ev.DeviceID, "name", ev.DisplayName)
		if s.notifier != nil {
			s.notifier.Notify(models.EmergencyAlert{
				DeviceID:    ev.DeviceID,
				DisplayName: ev.DisplayName,
				Timestamp:   ev.Timestamp,
			})
		}
	default:
		s.log.Warn("unknown event type", "type", ev.Type)
	}
}

// applyFeed сверяет запись резервного фида с локальным набором: SOS-строка
// без локальной тревоги означает пропущенный broadcast.
func (s *Service) applyFeed(msg messages.TrackingChanged) error {
	if msg.DeviceID == s.deviceID || msg.GroupID != s.groupID {
		return nil
	}
	if msg.Status == models.SessionStatusSOS {
		s.mu.Lock()
		_, known := s.active[msg.DeviceID]
		s.mu.Unlock()
		if !known {
			s.log.Warn("sos recovered from feed", "device_id", msg.DeviceID)
			s.add(models.EmergencyAlert{
				DeviceID:  msg.DeviceID,
				Latitude:  msg.Latitude,
				Longitude: msg.Longitude,
				Timestamp: msg.UpdatedAt,
			})
		}
		return nil
	}
	// строка больше не в SOS — значит, отмену мы пропустили
	s.remove(msg.DeviceID)
	return nil
}

// Resync приводит набор тревог к содержимому tracking_sessions.
func (s *Service) Resync(ctx context.Context) error {
	if s.lister == nil {
		return nil
	}
	rows, err := s.lister.ListSOSSessions(ctx, s.groupID)
	if err != nil {
		return errors.Wrap(err, "list sos sessions")
	}
	s.totalResyncs.Add(1)

	inSOS := map[string]*models.TrackingSession{}
	for _, r := range rows {
		if r.DeviceID == s.deviceID {
			continue
		}
		inSOS[r.DeviceID] = r
	}

	s.mu.Lock()
	for id := range s.active {
		if _, ok := inSOS[id]; !ok {
			delete(s.active, id)
		}
	}
	var fresh []models.EmergencyAlert
	for id, r := range inSOS {
		if _, ok := s.active[id]; ok {
			continue
		}
		a := models.EmergencyAlert{
			DeviceID:  id,
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
			Timestamp: r.LastUpdated,
		}
		s.active[id] = a
		fresh = append(fresh, a)
	}
	s.persistLocked()
	s.syncAlarmLocked()
	s.mu.Unlock()

	if s.notifier != nil {
		for _, a := range fresh {
			s.notifier.Notify(a)
		}
	}
	return nil
}

// Acknowledge убирает тревогу у СЕБЯ и шлёт информационное событие.
// На отправителя и других получателей это не влияет.
func (s *Service) Acknowledge(ctx context.Context, deviceID, by string) error {
	s.remove(deviceID)
	if s.channel == nil {
		return nil
	}
	return s.channel.Publish(ctx, s.groupID, messages.Event{
		Type:           messages.EventSOSAcknowledge,
		DeviceID:       deviceID,
		GroupID:        s.groupID,
		AcknowledgedBy: by,
		Timestamp:      time.Now().UTC(),
	})
}

// Dismiss — тихое локальное скрытие, без событий в канал.
func (s *Service) Dismiss(deviceID string) {
	s.remove(deviceID)
}

// Active возвращает снапшот активных тревог.
func (s *Service) Active() []models.EmergencyAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EmergencyAlert, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, a)
	}
	return out
}

type Stats struct {
	ActiveAlerts int        `json:"activeAlerts"`
	AlarmOn      bool       `json:"alarmOn"`
	TotalEvents  int64      `json:"totalEvents"`
	TotalResyncs int64      `json:"totalResyncs"`
	LastEventAt  *time.Time `json:"lastEventAt,omitempty"`
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		ActiveAlerts: len(s.active),
		AlarmOn:      s.alarmOn,
	}
	s.mu.Unlock()
	st.TotalEvents = s.totalEvents.Load()
	st.TotalResyncs = s.totalResyncs.Load()
	if n := s.lastEventUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastEventAt = &t
	}
	return st
}

func (s *Service) add(a models.EmergencyAlert) {
	s.mu.Lock()
	if old, ok := s.active[a.DeviceID]; ok && a.SOSID == "" {
		// фид не знает sos_id, не затираем его пустым
		a.SOSID = old.SOSID
	}
	s.active[a.DeviceID] = a
	s.persistLocked()
	s.syncAlarmLocked()
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.Notify(a)
	}
}

func (s *Service) remove(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[deviceID]; !ok {
		return
	}
	delete(s.active, deviceID)
	s.persistLocked()
	s.syncAlarmLocked()
}

func (s *Service) persistLocked() {
	if s.store == nil {
		return
	}
	if len(s.active) == 0 {
		if err := s.store.Delete(localstore.KeyActiveAlerts); err != nil {
			s.log.Warn("clear active alerts failed", "error", err)
		}
		return
	}
	b, _ := json.Marshal(s.active)
	if err := s.store.Set(localstore.KeyActiveAlerts, string(b)); err != nil {
		s.log.Warn("persist active alerts failed", "error", err)
	}
}

func (s *Service) syncAlarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncAlarmLocked()
}

func (s *Service) syncAlarmLocked() {
	if s.alarm == nil {
		return
	}
	want := len(s.active) > 0
	if want == s.alarmOn {
		return
	}
	s.alarmOn = want
	if want {
		s.alarm.Start()
	} else {
		s.alarm.Stop()
	}
}
