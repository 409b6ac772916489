package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned when a loaded config fails validation
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix prefixes environment overrides, e.g. MACHINEWATCH_ENGINE_OFFLINE_TIMEOUT=2m
const EnvPrefix = "MACHINEWATCH"

// Load reads configuration from path (optional) and the environment on top
// of Default().
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the relationships between settings
func (c *Config) Validate() error {
	e := c.Engine
	switch {
	case e.TemperatureCritical <= e.TemperatureWarning:
		return fmt.Errorf("%w: engine.temperature_critical must be greater than engine.temperature_warning", ErrInvalidConfig)
	case e.VibrationMax < 0:
		return fmt.Errorf("%w: engine.vibration_max cannot be negative", ErrInvalidConfig)
	case e.WarningRunLength < 1:
		return fmt.Errorf("%w: engine.warning_run_length must be at least 1", ErrInvalidConfig)
	case e.OfflineTimeout <= 0 || e.MonitorPeriod <= 0 || e.AnalyzerPeriod <= 0:
		return fmt.Errorf("%w: engine periods and offline timeout must be positive", ErrInvalidConfig)
	case e.AnalyzerMinSamples < 2:
		return fmt.Errorf("%w: engine.analyzer_min_samples must be at least 2", ErrInvalidConfig)
	case e.AnalyzerWindow < e.AnalyzerMinSamples:
		return fmt.Errorf("%w: engine.analyzer_window must be >= engine.analyzer_min_samples", ErrInvalidConfig)
	case e.AnalyzerSigma <= 0:
		return fmt.Errorf("%w: engine.analyzer_sigma must be positive", ErrInvalidConfig)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: retry.max_attempts must be at least 1", ErrInvalidConfig)
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn is required for the postgres backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", ErrInvalidConfig, c.Storage.Backend)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka.brokers is required when kafka is enabled", ErrInvalidConfig)
	}

	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", d.HTTP.IdleTimeout)
	v.SetDefault("http.max_body_size", d.HTTP.MaxBodySize)

	v.SetDefault("engine.temperature_warning", d.Engine.TemperatureWarning)
	v.SetDefault("engine.temperature_critical", d.Engine.TemperatureCritical)
	v.SetDefault("engine.vibration_max", d.Engine.VibrationMax)
	v.SetDefault("engine.warning_run_length", d.Engine.WarningRunLength)
	v.SetDefault("engine.offline_timeout", d.Engine.OfflineTimeout)
	v.SetDefault("engine.monitor_period", d.Engine.MonitorPeriod)
	v.SetDefault("engine.analyzer_period", d.Engine.AnalyzerPeriod)
	v.SetDefault("engine.analyzer_window", d.Engine.AnalyzerWindow)
	v.SetDefault("engine.analyzer_min_samples", d.Engine.AnalyzerMinSamples)
	v.SetDefault("engine.analyzer_sigma", d.Engine.AnalyzerSigma)
	v.SetDefault("engine.max_clock_skew", d.Engine.MaxClockSkew)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_backoff", d.Retry.BaseBackoff)
	v.SetDefault("retry.max_backoff", d.Retry.MaxBackoff)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.dsn", d.Storage.DSN)
	v.SetDefault("storage.max_conns", d.Storage.MaxConns)
	v.SetDefault("storage.min_conns", d.Storage.MinConns)

	v.SetDefault("dispatch.workers", d.Dispatch.Workers)
	v.SetDefault("dispatch.batch_size", d.Dispatch.BatchSize)
	v.SetDefault("dispatch.batch_timeout", d.Dispatch.BatchTimeout)
	v.SetDefault("dispatch.queue_size", d.Dispatch.QueueSize)

	v.SetDefault("kafka.enabled", d.Kafka.Enabled)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.telemetry_topic", d.Kafka.TelemetryTopic)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)
	v.SetDefault("kafka.producer.pool_size", d.Kafka.Producer.PoolSize)
	v.SetDefault("kafka.producer.batch_size", d.Kafka.Producer.BatchSize)
	v.SetDefault("kafka.producer.batch_timeout", d.Kafka.Producer.BatchTimeout)
	v.SetDefault("kafka.producer.write_timeout", d.Kafka.Producer.WriteTimeout)
	v.SetDefault("kafka.producer.required_acks", d.Kafka.Producer.RequiredAcks)
	v.SetDefault("kafka.producer.compression", d.Kafka.Producer.Compression)
	v.SetDefault("kafka.producer.max_retries", d.Kafka.Producer.MaxRetries)
	v.SetDefault("kafka.producer.retry_backoff", d.Kafka.Producer.RetryBackoff)

	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.topic", d.MQTT.Topic)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)

	v.SetDefault("amqp.enabled", d.AMQP.Enabled)
	v.SetDefault("amqp.url", d.AMQP.URL)
	v.SetDefault("amqp.queue", d.AMQP.Queue)

	v.SetDefault("nats.enabled", d.NATS.Enabled)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)
}
