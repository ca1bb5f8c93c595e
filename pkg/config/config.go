package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"TrapFlow/pkg/util"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no -config flag is given. A missing file at
// this path is not an error.
const DefaultPath = "config.yaml"

type Config struct {
	Environment string `yaml:"environment" default:"development"`
	Server      struct {
		Port           int           `yaml:"port" default:"8080" validate:"min=1,max=65535"`
		ReadTimeout    time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout   time.Duration `yaml:"write_timeout" default:"10s"`
		RecentCacheTTL time.Duration `yaml:"recent_cache_ttl" default:"2s"`
	} `yaml:"server"`
	StateStore struct {
		URL          string        `yaml:"url" validate:"required"`
		PoolSize     int           `yaml:"pool_size" default:"20" validate:"min=1"`
		MinIdleConns int           `yaml:"min_idle_conns" default:"2" validate:"min=0"`
		CallTimeout  time.Duration `yaml:"call_timeout" default:"2s"`
		PingTimeout  time.Duration `yaml:"ping_timeout" default:"1s"`
	} `yaml:"state_store"`
	Database struct {
		URL            string        `yaml:"url" validate:"required"`
		MaxConns       int32         `yaml:"max_conns" default:"10" validate:"min=1"`
		MinConns       int32         `yaml:"min_conns" default:"2" validate:"min=0"`
		ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
		InitSchema     bool          `yaml:"init_schema" default:"true"`
	} `yaml:"database"`
	Queue struct {
		Key string `yaml:"key" default:"mm_trap_queue:zset" validate:"required"`
	} `yaml:"queue"`
	Pipeline struct {
		BatchSize      int           `yaml:"batch_size" default:"50" validate:"min=1,max=1000"`
		IdleInterval   time.Duration `yaml:"idle_interval" default:"100ms" validate:"gt=0"`
		Workers        int           `yaml:"workers" default:"1" validate:"min=1,max=64"`
		PersistRetries int           `yaml:"persist_retries" default:"3" validate:"min=1,max=10"`
		ShutdownGrace  time.Duration `yaml:"shutdown_grace" default:"5s" validate:"gt=0"`
		RateWindow     time.Duration `yaml:"rate_window" default:"60s"`
	} `yaml:"pipeline"`
	MarketContext struct {
		Timeout       time.Duration `yaml:"timeout" default:"250ms"`
		HistoryWindow int           `yaml:"history_window" default:"60" validate:"min=2"`
	} `yaml:"market_context"`
	Metrics struct {
		Interval            time.Duration `yaml:"interval" default:"15s" validate:"gt=0"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval" default:"60s" validate:"gt=0"`
		Key                 string        `yaml:"key" default:"mm_trap_metrics"`
		Channel             string        `yaml:"channel" default:"mm_trap_metrics"`
		Path                string        `yaml:"path" default:"/metrics"`
		CloudWatch          struct {
			Namespace string `yaml:"namespace"`
			Region    string `yaml:"region"`
		} `yaml:"cloudwatch"`
	} `yaml:"metrics"`
	Alerts struct {
		RatePerMinute  int           `yaml:"rate_per_minute" default:"60" validate:"min=0"`
		SinkTimeout    time.Duration `yaml:"sink_timeout" default:"3s"`
		Channel        string        `yaml:"channel" default:"trap_events"`
		HighChannel    string        `yaml:"high_channel" default:"trap_events:high"`
		WebhookURLs    []string      `yaml:"webhook_urls" validate:"dive,url"`
		ChatWebhookURL string        `yaml:"chat_webhook_url" validate:"omitempty,url"`
		Email          struct {
			SMTPAddr string   `yaml:"smtp_addr"`
			From     string   `yaml:"from" default:"trapflow@localhost"`
			To       []string `yaml:"to" validate:"dive,email"`
			Username string   `yaml:"username"`
			Password string   `yaml:"password"`
		} `yaml:"email"`
		Kafka struct {
			Brokers      []string      `yaml:"brokers"`
			Topic        string        `yaml:"topic" default:"trap_alerts"`
			RequiredAcks int           `yaml:"required_acks" default:"1"`
			Compression  string        `yaml:"compression" default:"snappy" validate:"oneof=none gzip snappy lz4 zstd"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"5s"`
		} `yaml:"kafka"`
	} `yaml:"alerts"`
	Archive struct {
		ClickHouse struct {
			Host        string        `yaml:"host"`
			Port        int           `yaml:"port" default:"9000"`
			Database    string        `yaml:"database" default:"trapflow"`
			User        string        `yaml:"user" default:"default"`
			Password    string        `yaml:"password"`
			Table       string        `yaml:"table" default:"low_tier_traps"`
			TTLDays     int           `yaml:"ttl_days" default:"7" validate:"min=1"`
			DialTimeout time.Duration `yaml:"dial_timeout" default:"5s"`
		} `yaml:"clickhouse"`
	} `yaml:"archive"`
	Logging struct {
		Level         string `yaml:"level" default:"info"`
		Format        string `yaml:"format" default:"json" validate:"oneof=json console"`
		Output        string `yaml:"output" default:"stdout"`
		MaxSizeMB     int    `yaml:"max_size_mb" default:"100"`
		MaxAgeDays    int    `yaml:"max_age_days" default:"7"`
		DigestChannel string `yaml:"digest_channel"`
	} `yaml:"logging"`
}

var validate = validator.New()

// Load builds the configuration: defaults, then the YAML file at path,
// then a .env file and the process environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("env override: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = util.SplitCSV(v)
		}
	}
	num := func(name string) (int, bool, error) {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return 0, false, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false, fmt.Errorf("%s: %q is not an integer", name, v)
		}
		return n, true, nil
	}

	str("STATE_STORE_URL", &c.StateStore.URL)
	str("DB_URL", &c.Database.URL)
	str("QUEUE_KEY", &c.Queue.Key)
	str("LOG_LEVEL", &c.Logging.Level)
	str("CHAT_WEBHOOK_URL", &c.Alerts.ChatWebhookURL)
	str("KAFKA_ALERT_TOPIC", &c.Alerts.Kafka.Topic)
	str("CLICKHOUSE_HOST", &c.Archive.ClickHouse.Host)
	str("SMTP_ADDR", &c.Alerts.Email.SMTPAddr)
	str("CLOUDWATCH_NAMESPACE", &c.Metrics.CloudWatch.Namespace)
	list("WEBHOOK_URLS", &c.Alerts.WebhookURLs)
	list("KAFKA_BROKERS", &c.Alerts.Kafka.Brokers)
	list("ALERT_EMAIL_TO", &c.Alerts.Email.To)

	ints := []struct {
		name string
		set  func(int)
	}{
		{"BATCH_SIZE", func(n int) { c.Pipeline.BatchSize = n }},
		{"WORKERS", func(n int) { c.Pipeline.Workers = n }},
		{"PERSIST_RETRIES", func(n int) { c.Pipeline.PersistRetries = n }},
		{"ALERT_RATE_PER_MINUTE", func(n int) { c.Alerts.RatePerMinute = n }},
		{"HTTP_PORT", func(n int) { c.Server.Port = n }},
		{"IDLE_INTERVAL_MS", func(n int) { c.Pipeline.IdleInterval = time.Duration(n) * time.Millisecond }},
		{"METRICS_INTERVAL_S", func(n int) { c.Metrics.Interval = time.Duration(n) * time.Second }},
		{"SHUTDOWN_GRACE_S", func(n int) { c.Pipeline.ShutdownGrace = time.Duration(n) * time.Second }},
		{"HEALTH_CHECK_INTERVAL_S", func(n int) { c.Metrics.HealthCheckInterval = time.Duration(n) * time.Second }},
	}
	for _, e := range ints {
		n, ok, err := num(e.name)
		if err != nil {
			return err
		}
		if ok {
			e.set(n)
		}
	}
	return nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	scheme, _, ok := strings.Cut(c.StateStore.URL, "://")
	if !ok {
		return fmt.Errorf("state_store.url %q has no scheme", c.StateStore.URL)
	}
	switch scheme {
	case "redis", "rediss", "memory":
	default:
		return fmt.Errorf("state_store.url scheme must be redis, rediss or memory, got %q", scheme)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns (%d) exceeds max_conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	if len(c.Alerts.Email.To) > 0 && c.Alerts.Email.SMTPAddr == "" {
		return fmt.Errorf("alerts.email.smtp_addr is required when recipients are set")
	}
	return nil
}

// UsesMemoryStore reports whether the in-process state store was selected.
func (c *Config) UsesMemoryStore() bool {
	return strings.HasPrefix(c.StateStore.URL, "memory://")
}
