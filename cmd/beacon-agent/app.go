package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/SableFox/SafeBeacon/config"
	"github.com/SableFox/SafeBeacon/internal/broker"
	"github.com/SableFox/SafeBeacon/internal/broker/kafka"
	"github.com/SableFox/SafeBeacon/internal/broker/messages"
	"github.com/SableFox/SafeBeacon/internal/broker/redischannel"
	"github.com/SableFox/SafeBeacon/internal/broker/wschannel"
	"github.com/SableFox/SafeBeacon/internal/cache/rediscache"
	"github.com/SableFox/SafeBeacon/internal/identity"
	"github.com/SableFox/SafeBeacon/internal/integrations/functions"
	fnfake "github.com/SableFox/SafeBeacon/internal/integrations/functions/fake"
	"github.com/SableFox/SafeBeacon/internal/integrations/functions/httpfunc"
	"github.com/SableFox/SafeBeacon/internal/integrations/location"
	locfake "github.com/SableFox/SafeBeacon/internal/integrations/location/fake"
	"github.com/SableFox/SafeBeacon/internal/integrations/location/gpshttp"
	"github.com/SableFox/SafeBeacon/internal/localstore"
	"github.com/SableFox/SafeBeacon/internal/services/alerts"
	"github.com/SableFox/SafeBeacon/internal/services/emergency"
	"github.com/SableFox/SafeBeacon/internal/services/fleet"
	"github.com/SableFox/SafeBeacon/internal/services/trackpipe"
	"github.com/SableFox/SafeBeacon/internal/storage/pgfleet"
	"github.com/pkg/errors"
)

// trackingFeed привязывает продьюсер к топику фида.
type trackingFeed struct {
	producer *kafka.Producer
	topic    string
}

func (f *trackingFeed) PublishTrackingChanged(ctx context.Context, msg messages.TrackingChanged) error {
	return f.producer.PublishTrackingChanged(ctx, f.topic, msg)
}

type agentFactories struct {
	newStorage   func(cfg *config.Config) (*pgfleet.Storage, error)
	newChannel   func(cfg *config.Config) broker.FleetChannel
	newStore     func(cfg *config.Config) (localstore.Store, error)
	newLocation  func(cfg *config.Config) location.Source
	newFunctions func(cfg *config.Config) functions.Client
}

func defaultFactories() agentFactories {
	return agentFactories{
		newStorage: func(cfg *config.Config) (*pgfleet.Storage, error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			return pgfleet.New(connString)
		},
		newChannel: func(cfg *config.Config) broker.FleetChannel {
			if cfg.Beacon.ChannelMode == "websocket" && cfg.Beacon.RealtimeGatewayURL != "" {
				return wschannel.New(cfg.Beacon.RealtimeGatewayURL)
			}
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return redischannel.New(redisAddr)
		},
		newStore: func(cfg *config.Config) (localstore.Store, error) {
			dataDir := cfg.Beacon.DataDir
			if dataDir == "" {
				dataDir = "/var/lib/safebeacon"
			}
			secure, err := localstore.NewSecure(
				filepath.Join(dataDir, "state.enc"),
				filepath.Join(dataDir, "state.key"),
			)
			if err != nil {
				return nil, errors.Wrap(err, "open secure store")
			}
			plain, err := localstore.NewPlain(filepath.Join(dataDir, "state.json"))
			if err != nil {
				return nil, errors.Wrap(err, "open plain store")
			}
			return localstore.NewTiered(secure, plain), nil
		},
		newLocation: func(cfg *config.Config) location.Source {
			if cfg.Beacon.LocationSourceURL != "" {
				return gpshttp.New(cfg.Beacon.LocationSourceURL, 0)
			}
			return locfake.New()
		},
		newFunctions: func(cfg *config.Config) functions.Client {
			if cfg.Functions.BaseURL == "" {
				return fnfake.New()
			}
			timeout := time.Duration(cfg.Functions.TimeoutSeconds) * time.Second
			return httpfunc.New(cfg.Functions.BaseURL, functions.StaticToken(cfg.Functions.BearerToken), timeout)
		},
	}
}

func RunAgent(ctx context.Context, cfg *config.Config, f agentFactories) error {
	log := slog.Default()

	st, err := f.newStorage(cfg)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer st.Close()

	store, err := f.newStore(cfg)
	if err != nil {
		return err
	}

	channel := f.newChannel(cfg)
	defer func() { _ = channel.Close() }()

	fns := f.newFunctions(cfg)
	src := f.newLocation(cfg)

	idp := identity.NewProvider(store)
	deviceID, err := idp.DeviceID()
	if err != nil {
		return errors.Wrap(err, "resolve device id")
	}
	log.Info("device identity resolved", "device_id", deviceID)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	inviteCache := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	fleetSvc := fleet.New(st, idp, store, inviteCache, cfg.Beacon.UserID, cfg.Beacon.DisplayName, log)

	bind, err := handshake(ctx, fleetSvc, cfg)
	if err != nil {
		return errors.Wrap(err, "fleet handshake")
	}
	log.Info("joined fleet", "group_id", bind.GroupID)

	topic := cfg.Kafka.TrackingChangedTopicName
	if topic == "" {
		topic = "tracking.changed"
	}
	consumerGroup := cfg.Beacon.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "beacon-agent-" + deviceID
	}
	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	consumer := kafka.NewConsumer(brokers, topic, consumerGroup)
	defer func() { _ = consumer.Close() }()

	feed := &trackingFeed{producer: producer, topic: topic}

	emerg := emergency.New(channel, fns, nil, st, store, deviceID, bind.GroupID, cfg.Beacon.DisplayName, log).
		WithShareLink(cfg.Beacon.ShareLinkBaseURL).
		WithSMSRelay(cfg.Beacon.SMSRelayEnabled, cfg.Beacon.SMSRelayTo).
		WithRecordingRetry(cfg.Functions.RecordingRetryAttempts, time.Duration(cfg.Functions.RecordingRetryDelaySeconds)*time.Second).
		WithRateLimiter(rl, int64(cfg.Beacon.CheckInRateLimitPerMinute))

	pipe := trackpipe.New(src, st, feed, emerg, deviceID, bind.GroupID).
		WithSettings(
			time.Duration(cfg.Beacon.CaptureIntervalSeconds)*time.Second,
			cfg.Beacon.AccuracyThresholdMeters,
			time.Duration(cfg.Beacon.StaleFixBoundSeconds)*time.Second,
		).
		WithBattery(readBatteryLevel)
	emerg.WithPipeline(pipe)

	alertSvc := alerts.New(channel, consumer, st, store, deviceID, bind.GroupID, log)

	errCh := make(chan error, 2)
	go func() { errCh <- alertSvc.Run(ctx) }()
	go func() {
		errCh <- runAgentHTTPServer(ctx, agentHTTPOpts{
			httpAddr:  cfg.Beacon.HTTPAddr,
			pipeline:  pipe,
			emergency: emerg,
			alerts:    alertSvc,
		})
	}()

	err = <-errCh

	// агент уходит — строка трекинга должна погаснуть
	offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pipe.Stop(offCtx)
	if offErr := emerg.MarkOffline(offCtx); offErr != nil {
		log.Warn("mark offline on shutdown failed", "error", offErr)
	}
	return err
}

// readBatteryLevel читает заряд из sysfs. На платах без батареи вернёт nil,
// и колонка просто останется пустой.
func readBatteryLevel() *int32 {
	for _, p := range []string{
		"/sys/class/power_supply/BAT0/capacity",
		"/sys/class/power_supply/battery/capacity",
	} {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(b)))
		if err != nil || n < 0 || n > 100 {
			continue
		}
		v := int32(n)
		return &v
	}
	return nil
}

// handshake выбирает способ привязки: сохранённое состояние, явная группа
// из конфига или инвайт-код.
func handshake(ctx context.Context, svc *fleet.Service, cfg *config.Config) (fleet.Result, error) {
	if res, attempted, err := svc.Resume(ctx); attempted {
		return res, err
	}
	if cfg.Beacon.GroupID != "" {
		return svc.Join(ctx, cfg.Beacon.GroupID)
	}
	if cfg.Beacon.InviteCode != "" {
		return svc.JoinByInvite(ctx, cfg.Beacon.InviteCode)
	}
	return fleet.Result{}, errors.New("no group_id or invite_code configured")
}
