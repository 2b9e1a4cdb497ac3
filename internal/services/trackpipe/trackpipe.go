package trackpipe

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SableFox/SafeBeacon/internal/broker/messages"
	"github.com/SableFox/SafeBeacon/internal/integrations/location"
	"github.com/SableFox/SafeBeacon/internal/models"
	"github.com/SableFox/SafeBeacon/internal/storage/pgfleet"
	"github.com/pkg/errors"
)

type Sessions interface {
	UpsertTrackingSession(ctx context.Context, up pgfleet.SessionUpsert) error
	SetSessionStatus(ctx context.Context, deviceID, status string) error
}

type Feed interface {
	PublishTrackingChanged(ctx context.Context, msg messages.TrackingChanged) error
}

// StatusSource отдаёт текущий статус сессии (ACTIVE / SOS_ACTIVE).
type StatusSource interface {
	SessionStatus() string
}

type BatteryFunc func() *int32

// Pipeline гонит координаты устройства в строку tracking_sessions.
// Слот загрузки один: свежий фикс вытесняет ещё не отправленный,
// очередь не копится — получателю нужна только последняя точка.
type Pipeline struct {
	source   location.Source
	sessions Sessions
	feed     Feed
	status   StatusSource
	battery  BatteryFunc

	deviceID string
	groupID  string

	captureInterval   time.Duration
	accuracyThreshold float64
	staleBound        time.Duration

	triggerCh chan struct{}

	runMu     sync.Mutex
	cancelRun context.CancelFunc

	pendingFix atomic.Pointer[models.Fix]
	uploading  atomic.Bool

	lastGoodMu sync.Mutex
	lastGood   *models.Fix

	startedAtUnixNano   int64
	lastCaptureUnixNano atomic.Int64
	lastUploadUnixNano  atomic.Int64
	lastWarnUnixNano    atomic.Int64
	totalCaptured       atomic.Int64
	totalUploaded       atomic.Int64
	totalSubstituted    atomic.Int64
	totalReplaced       atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(source location.Source, sessions Sessions, feed Feed, status StatusSource, deviceID, groupID string) *Pipeline {
	return &Pipeline{
		source:   source,
		sessions: sessions,
		feed:     feed,
		status:   status,
		deviceID: deviceID,
		groupID:  groupID,

		captureInterval:   15 * time.Second,
		accuracyThreshold: 50,
		staleBound:        10 * time.Minute,

		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (p *Pipeline) WithSettings(captureInterval time.Duration, accuracyThreshold float64, staleBound time.Duration) *Pipeline {
	if captureInterval > 0 {
		p.captureInterval = captureInterval
	}
	if accuracyThreshold > 0 {
		p.accuracyThreshold = accuracyThreshold
	}
	if staleBound > 0 {
		p.staleBound = staleBound
	}
	return p
}

func (p *Pipeline) WithBattery(fn BatteryFunc) *Pipeline {
	p.battery = fn
	return p
}

// Trigger forces an immediate capture cycle (best-effort, non-blocking).
func (p *Pipeline) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt        time.Time  `json:"startedAt"`
	LastCaptureAt    *time.Time `json:"lastCaptureAt,omitempty"`
	LastUploadAt     *time.Time `json:"lastUploadAt,omitempty"`
	TotalCaptured    int64      `json:"totalCaptured"`
	TotalUploaded    int64      `json:"totalUploaded"`
	TotalSubstituted int64      `json:"totalSubstituted"`
	TotalReplaced    int64      `json:"totalReplaced"`
	TotalErrors      int64      `json:"totalErrors"`
	LastError        string     `json:"lastError,omitempty"`
}

func (p *Pipeline) Stats() Stats {
	st := Stats{
		StartedAt:        time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalCaptured:    p.totalCaptured.Load(),
		TotalUploaded:    p.totalUploaded.Load(),
		TotalSubstituted: p.totalSubstituted.Load(),
		TotalReplaced:    p.totalReplaced.Load(),
		TotalErrors:      p.totalErrors.Load(),
	}
	if n := p.lastCaptureUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCaptureAt = &t
	}
	if n := p.lastUploadUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastUploadAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

// Start запускает цикл съёмки, если он ещё не идёт. Повторный Start —
// no-op: цикл один на пайплайн.
func (p *Pipeline) Start() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancelRun != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancelRun = cancel
	go func() { _ = p.Run(ctx) }()
}

// Stop гасит цикл, помечает строку OFFLINE (best-effort) и сбрасывает
// накопленное состояние фиксов.
func (p *Pipeline) Stop(ctx context.Context) {
	p.runMu.Lock()
	cancel := p.cancelRun
	p.cancelRun = nil
	p.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	if err := p.sessions.SetSessionStatus(ctx, p.deviceID, models.SessionStatusOffline); err != nil {
		slog.Warn("set offline on stop", "error", err.Error())
	}

	p.pendingFix.Store(nil)
	p.lastGoodMu.Lock()
	p.lastGood = nil
	p.lastGoodMu.Unlock()
}

// Running сообщает, идёт ли цикл съёмки.
func (p *Pipeline) Running() bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.cancelRun != nil
}

func (p *Pipeline) Run(ctx context.Context) error {
	t := time.NewTicker(p.captureInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.captureOnce(ctx)
		case <-p.triggerCh:
			p.captureOnce(ctx)
		}
	}
}

func (p *Pipeline) captureOnce(ctx context.Context) {
	p.lastCaptureUnixNano.Store(time.Now().UTC().UnixNano())

	high := p.status != nil && p.status.SessionStatus() == models.SessionStatusSOS
	fix, err := p.source.Current(ctx, high)
	if err != nil {
		p.noteErr(err)
		p.warnRateLimited("capture fix", "error", err.Error())
		return
	}
	p.totalCaptured.Add(1)
	p.Submit(ctx, fix)
}

// Submit кладёт фикс в слот и будит аплоадер. Если слот занят, старый
// фикс просто заменяется: очереди здесь нет намеренно.
func (p *Pipeline) Submit(ctx context.Context, fix *models.Fix) {
	if fix == nil {
		return
	}
	if old := p.pendingFix.Swap(fix); old != nil {
		p.totalReplaced.Add(1)
	}
	p.drain(ctx)
}

func (p *Pipeline) drain(ctx context.Context) {
	if !p.uploading.CompareAndSwap(false, true) {
		return
	}
	go func() {
		for {
			fix := p.pendingFix.Swap(nil)
			if fix == nil {
				p.uploading.Store(false)
				// фикс мог приземлиться между Swap и Store
				if p.pendingFix.Load() != nil && p.uploading.CompareAndSwap(false, true) {
					continue
				}
				return
			}
			if err := p.upload(ctx, fix); err != nil {
				p.noteErr(err)
				p.warnRateLimited("upload fix", "error", err.Error())
			}
		}
	}()
}

// ForceOneShotSync синхронно снимает и загружает одну точку. Используется
// перед рассылкой SOS, чтобы получатели увидели свежие координаты.
func (p *Pipeline) ForceOneShotSync(ctx context.Context, highAccuracy bool) (*models.Fix, error) {
	fix, err := p.source.Current(ctx, highAccuracy)
	if err != nil {
		if cached, ok := p.source.LastKnown(); ok {
			fix = cached
		} else {
			return nil, errors.Wrap(err, "one-shot fix")
		}
	}
	if err := p.upload(ctx, fix); err != nil {
		return fix, err
	}
	return fix, nil
}

// LastKnown отдаёт кэшированную точку источника без блокировки.
func (p *Pipeline) LastKnown() (*models.Fix, bool) {
	return p.source.LastKnown()
}

// SyncEmergencyFix — двухфазный замер при тревоге: последняя известная
// точка заливается сразу, уточнённый замер перезаливается только если он
// ощутимо точнее. Возвращается лучшая из двух.
func (p *Pipeline) SyncEmergencyFix(ctx context.Context) (*models.Fix, error) {
	var fast *models.Fix
	if f, ok := p.source.LastKnown(); ok {
		fast = f
		if err := p.upload(ctx, f); err != nil {
			p.noteErr(err)
			p.warnRateLimited("fast fix upload", "error", err.Error())
		}
	}

	refined, err := p.source.Current(ctx, true)
	if err != nil {
		if fast != nil {
			return fast, nil
		}
		return nil, errors.Wrap(err, "emergency fix")
	}
	if fast != nil && !materiallyBetter(refined, fast) {
		return fast, nil
	}
	if err := p.upload(ctx, refined); err != nil {
		p.noteErr(err)
		return refined, err
	}
	return refined, nil
}

// materiallyBetter: перезаливать стоит, если точность заметно выросла или
// быстрая точка успела устареть.
func materiallyBetter(refined, fast *models.Fix) bool {
	if time.Since(fast.TakenAt) > 30*time.Second {
		return true
	}
	return refined.AccuracyM < fast.AccuracyM*0.75
}

func (p *Pipeline) upload(ctx context.Context, fix *models.Fix) error {
	up := pgfleet.SessionUpsert{
		DeviceID:    p.deviceID,
		GroupID:     p.groupID,
		Status:      models.SessionStatusActive,
		GPSQuality:  models.GPSQualityGood,
		LastUpdated: time.Now().UTC(),
	}
	if p.status != nil {
		up.Status = p.status.SessionStatus()
	}
	if p.battery != nil {
		up.BatteryLevel = p.battery()
	}

	if fix.AccuracyM > p.accuracyThreshold || (fix.Latitude == 0 && fix.Longitude == 0) {
		up.GPSQuality = models.GPSQualityPoor
		// плохой фикс не публикуем как есть: подставляем последнюю хорошую
		// точку, пока она не протухла
		if good := p.recentGood(); good != nil {
			up.Latitude = &good.Latitude
			up.Longitude = &good.Longitude
			up.GPSAccuracyM = &good.AccuracyM
			p.totalSubstituted.Add(1)
		}
	} else {
		up.Latitude = &fix.Latitude
		up.Longitude = &fix.Longitude
		up.GPSAccuracyM = &fix.AccuracyM
		up.Speed = fix.Speed
		up.Heading = fix.Heading
		up.Altitude = fix.Altitude

		p.lastGoodMu.Lock()
		p.lastGood = fix
		p.lastGoodMu.Unlock()
	}

	if err := p.sessions.UpsertTrackingSession(ctx, up); err != nil {
		return errors.Wrap(err, "upsert session")
	}
	p.totalUploaded.Add(1)
	p.lastUploadUnixNano.Store(time.Now().UTC().UnixNano())

	if p.feed != nil {
		msg := messages.TrackingChanged{
			DeviceID:   up.DeviceID,
			GroupID:    up.GroupID,
			Status:     up.Status,
			GPSQuality: up.GPSQuality,
			Latitude:   up.Latitude,
			Longitude:  up.Longitude,
			UpdatedAt:  up.LastUpdated,
		}
		// фид резервный, его недоступность не должна ломать трекинг
		if err := p.feed.PublishTrackingChanged(ctx, msg); err != nil {
			p.warnRateLimited("publish tracking.changed", "error", err.Error())
		}
	}
	return nil
}

// recentGood возвращает последний хороший фикс, если он моложе staleBound.
func (p *Pipeline) recentGood() *models.Fix {
	p.lastGoodMu.Lock()
	defer p.lastGoodMu.Unlock()
	if p.lastGood == nil {
		return nil
	}
	if time.Since(p.lastGood.TakenAt) > p.staleBound {
		return nil
	}
	f := *p.lastGood
	return &f
}

func (p *Pipeline) noteErr(err error) {
	p.totalErrors.Add(1)
	p.lastErrorMu.Lock()
	p.lastError = err.Error()
	p.lastErrorMu.Unlock()
}

// warnRateLimited пишет warn не чаще раза в 30 секунд, чтобы тикер с
// мёртвым GPS-демоном не заливал лог.
func (p *Pipeline) warnRateLimited(msg string, args ...any) {
	now := time.Now().UnixNano()
	last := p.lastWarnUnixNano.Load()
	if now-last < int64(30*time.Second) {
		return
	}
	if p.lastWarnUnixNano.CompareAndSwap(last, now) {
		slog.Warn(msg, args...)
	}
}
