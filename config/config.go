package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Beacon    BeaconConfig    `yaml:"beacon"`
	Functions FunctionsConfig `yaml:"functions"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	TrackingChangedTopicName string `yaml:"tracking_changed_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type BeaconConfig struct {
	GroupID     string `yaml:"group_id"`
	InviteCode  string `yaml:"invite_code"`
	DisplayName string `yaml:"display_name"`
	UserID      string `yaml:"user_id"`

	// "redis" | "websocket"
	ChannelMode        string `yaml:"channel_mode"`
	RealtimeGatewayURL string `yaml:"realtime_gateway_url"`

	DataDir string `yaml:"data_dir"`

	HTTPAddr string `yaml:"http_addr"`

	CaptureIntervalSeconds  int     `yaml:"capture_interval_seconds"`
	AccuracyThresholdMeters float64 `yaml:"accuracy_threshold_meters"`
	StaleFixBoundSeconds    int     `yaml:"stale_fix_bound_seconds"`

	ShareLinkBaseURL string `yaml:"share_link_base_url"`

	LocationSourceURL string `yaml:"location_source_url"`

	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	CheckInRateLimitPerMinute int `yaml:"check_in_rate_limit_per_minute"`

	// Устаревший SMS-канал. По умолчанию выключен.
	SMSRelayEnabled bool   `yaml:"sms_relay_enabled"`
	SMSRelayTo      string `yaml:"sms_relay_to"`
}

type FunctionsConfig struct {
	BaseURL        string `yaml:"base_url"`
	BearerToken    string `yaml:"bearer_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`

	RecordingRetryAttempts     int `yaml:"recording_retry_attempts"`
	RecordingRetryDelaySeconds int `yaml:"recording_retry_delay_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
