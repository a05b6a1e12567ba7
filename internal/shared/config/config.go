package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AppEnv   string
	LogLevel string

	HTTPAddr    string
	MetricsAddr string

	DatabaseURL   string
	MigrationsDir string

	RedisURL      string
	RedisEventTTL time.Duration

	ChannelDriver string

	KafkaBrokers  []string
	KafkaTopic    string
	KafkaDLQTopic string
	KafkaGroupID  string

	NATSURL           string
	NATSStream        string
	NATSSubjectPrefix string
	NATSConsumer      string
	NATSDLQSubject    string

	RelayToken       string
	RelayEndpoint    string
	PushSubscription string
	PushMaxElapsed   time.Duration

	ListenerWindow time.Duration

	JWTSecret string
	TokenTTL  time.Duration

	OutboxBatchSize         int
	OutboxPollInterval      time.Duration
	OutboxProcessingTimeout time.Duration
	OutboxMaxAttempts       int

	RetentionMaxAge   time.Duration
	RetentionInterval time.Duration
}

// Load resolves configuration from defaults, an optional YAML file named by
// CONFIG_FILE, an optional .env file and the process environment. Keys map to
// env vars by upper-casing and replacing dots: kafka.brokers -> KAFKA_BROKERS.
func Load() Config {
	loadDotEnv(".env")
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config.file"); path != "" {
		v.SetConfigFile(path)
		// A missing or broken file falls back to defaults and env.
		_ = v.ReadInConfig()
	}
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("log.level", "info")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("metrics.addr", ":9091")

	v.SetDefault("database.url", "")
	v.SetDefault("migrations.dir", "migrations")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.event_ttl", "24h")

	v.SetDefault("channel.driver", "kafka")

	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "dispatch.events")
	v.SetDefault("kafka.dlq_topic", "dispatch.events.dlq")
	v.SetDefault("kafka.group_id", "push-subscriber")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "DISPATCH_EVENTS")
	v.SetDefault("nats.subject_prefix", "dispatch.events")
	v.SetDefault("nats.consumer", "push-subscriber")
	v.SetDefault("nats.dlq_subject", "dispatch.dlq")

	v.SetDefault("relay.token", "")
	v.SetDefault("relay.endpoint", "http://localhost:8081/webhooks/push")
	v.SetDefault("push.subscription", "dispatch-relay-push")
	v.SetDefault("push.max_elapsed", "2m")

	v.SetDefault("listener.window", "5s")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("token.ttl", "12h")

	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.poll_interval", "1s")
	v.SetDefault("outbox.processing_timeout", "30s")
	v.SetDefault("outbox.max_attempts", 10)

	v.SetDefault("retention.max_age", "1h")
	v.SetDefault("retention.interval", "5m")
}

func FromViper(v *viper.Viper) Config {
	return Config{
		AppEnv:   v.GetString("app.env"),
		LogLevel: v.GetString("log.level"),

		HTTPAddr:    v.GetString("http.addr"),
		MetricsAddr: v.GetString("metrics.addr"),

		DatabaseURL:   strings.TrimSpace(v.GetString("database.url")),
		MigrationsDir: v.GetString("migrations.dir"),

		RedisURL:      v.GetString("redis.url"),
		RedisEventTTL: v.GetDuration("redis.event_ttl"),

		ChannelDriver: strings.ToLower(strings.TrimSpace(v.GetString("channel.driver"))),

		KafkaBrokers:  csv(v.GetString("kafka.brokers")),
		KafkaTopic:    v.GetString("kafka.topic"),
		KafkaDLQTopic: v.GetString("kafka.dlq_topic"),
		KafkaGroupID:  v.GetString("kafka.group_id"),

		NATSURL:           v.GetString("nats.url"),
		NATSStream:        v.GetString("nats.stream"),
		NATSSubjectPrefix: v.GetString("nats.subject_prefix"),
		NATSConsumer:      v.GetString("nats.consumer"),
		NATSDLQSubject:    v.GetString("nats.dlq_subject"),

		RelayToken:       v.GetString("relay.token"),
		RelayEndpoint:    v.GetString("relay.endpoint"),
		PushSubscription: v.GetString("push.subscription"),
		PushMaxElapsed:   v.GetDuration("push.max_elapsed"),

		ListenerWindow: v.GetDuration("listener.window"),

		JWTSecret: v.GetString("jwt.secret"),
		TokenTTL:  v.GetDuration("token.ttl"),

		OutboxBatchSize:         v.GetInt("outbox.batch_size"),
		OutboxPollInterval:      v.GetDuration("outbox.poll_interval"),
		OutboxProcessingTimeout: v.GetDuration("outbox.processing_timeout"),
		OutboxMaxAttempts:       v.GetInt("outbox.max_attempts"),

		RetentionMaxAge:   v.GetDuration("retention.max_age"),
		RetentionInterval: v.GetDuration("retention.interval"),
	}
}

func csv(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
