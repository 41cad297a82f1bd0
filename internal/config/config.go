package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the groupflow CLI. It is loaded once
// at command startup and passed into constructors; nothing reads viper after
// Load returns.
type Config struct {
	LogLevel     string
	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers string
	KafkaTopic   string
	KafkaGroupID string

	SinkEndpoint string
	SinkTimeout  time.Duration
	SinkAttempts int

	BizType    string
	Threshold  float64
	MaxRetries int
	LockTTL    time.Duration

	SweepLimit   int
	LookbackDays int
	CronSchedule string
	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		RedisAddr:    v.GetString("redis_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		KafkaTopic:   v.GetString("kafka_topic"),
		KafkaGroupID: v.GetString("kafka_group_id"),

		SinkEndpoint: v.GetString("sink_endpoint"),
		SinkTimeout:  v.GetDuration("sink_timeout"),
		SinkAttempts: v.GetInt("sink_attempts"),

		BizType:    v.GetString("biz_type"),
		Threshold:  v.GetFloat64("threshold"),
		MaxRetries: v.GetInt("max_retries"),
		LockTTL:    v.GetDuration("lock_ttl"),

		SweepLimit:   v.GetInt("sweep_limit"),
		LookbackDays: v.GetInt("lookback_days"),
		CronSchedule: v.GetString("cron_schedule"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}
