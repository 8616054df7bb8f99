package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr            string `yaml:"addr"`
		ShutdownSeconds int    `yaml:"shutdown_seconds"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers           []string `yaml:"brokers"`
		NotificationTopic string   `yaml:"notification_topic"`
		KitchenTopic      string   `yaml:"kitchen_topic"`
	} `yaml:"kafka"`
	Provider struct {
		Endpoints         []string `yaml:"endpoints"`
		AccessToken       string   `yaml:"access_token"`
		TimeoutSeconds    int      `yaml:"timeout_seconds"`
		MaxRetries        int      `yaml:"max_retries"`
		FailoverThreshold int      `yaml:"failover_threshold"`
	} `yaml:"provider"`
	Webhook struct {
		Secret           string `yaml:"secret"`
		DedupeTTLSeconds int    `yaml:"dedupe_ttl_seconds"`
	} `yaml:"webhook"`
	Orders struct {
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"orders"`
	Reconcile struct {
		ApprovedStatus string `yaml:"approved_status"`
	} `yaml:"reconcile"`
	Poller struct {
		IntervalMillis int `yaml:"interval_ms"`
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"poller"`
	Worker struct {
		IntervalSeconds   int64 `yaml:"interval_seconds"`
		StaleAfterSeconds int64 `yaml:"stale_after_seconds"`
		BatchSize         int   `yaml:"batch_size"`
	} `yaml:"worker"`
	Telemetry struct {
		ServiceName    string `yaml:"service_name"`
		JaegerEndpoint string `yaml:"jaeger_endpoint"`
	} `yaml:"telemetry"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, applies env overrides and defaults, then validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if len(cfg.Provider.Endpoints) == 0 {
		return nil, errors.New("provider.endpoints is required")
	}
	switch cfg.Reconcile.ApprovedStatus {
	case "in_preparation", "paid":
	default:
		return nil, errors.New("reconcile.approved_status must be in_preparation or paid")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ShutdownSeconds <= 0 {
		cfg.Server.ShutdownSeconds = 5
	}
	if cfg.Kafka.NotificationTopic == "" {
		cfg.Kafka.NotificationTopic = "order-notifications"
	}
	if cfg.Kafka.KitchenTopic == "" {
		cfg.Kafka.KitchenTopic = "kitchen-routing"
	}
	if cfg.Provider.TimeoutSeconds <= 0 {
		cfg.Provider.TimeoutSeconds = 10
	}
	if cfg.Provider.MaxRetries <= 0 {
		cfg.Provider.MaxRetries = 3
	}
	if cfg.Provider.FailoverThreshold <= 0 {
		cfg.Provider.FailoverThreshold = 3
	}
	if cfg.Webhook.DedupeTTLSeconds <= 0 {
		cfg.Webhook.DedupeTTLSeconds = 24 * 3600
	}
	if cfg.Orders.TTLMinutes <= 0 {
		cfg.Orders.TTLMinutes = 15
	}
	if cfg.Reconcile.ApprovedStatus == "" {
		cfg.Reconcile.ApprovedStatus = "in_preparation"
	}
	if cfg.Poller.IntervalMillis <= 0 {
		cfg.Poller.IntervalMillis = 3000
	}
	if cfg.Poller.TimeoutSeconds <= 0 {
		cfg.Poller.TimeoutSeconds = 300
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 30
	}
	if cfg.Worker.StaleAfterSeconds <= 0 {
		cfg.Worker.StaleAfterSeconds = 120
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = 100
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "tablepay"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poller.IntervalMillis) * time.Millisecond
}

func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Poller.TimeoutSeconds) * time.Second
}

func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.Worker.IntervalSeconds) * time.Second
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Worker.StaleAfterSeconds) * time.Second
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

func (c *Config) OrderTTL() time.Duration {
	return time.Duration(c.Orders.TTLMinutes) * time.Minute
}

func (c *Config) DedupeTTL() time.Duration {
	return time.Duration(c.Webhook.DedupeTTLSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitCommaList(v)
	}
	if v := os.Getenv("PROVIDER_ENDPOINTS"); v != "" {
		cfg.Provider.Endpoints = splitCommaList(v)
	}
	if v := os.Getenv("PROVIDER_ACCESS_TOKEN"); v != "" {
		cfg.Provider.AccessToken = v
	}
	if v := os.Getenv("PROVIDER_TIMEOUT_SECONDS"); v != "" {
		cfg.Provider.TimeoutSeconds = atoiOr(cfg.Provider.TimeoutSeconds, v)
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("ORDER_TTL_MINUTES"); v != "" {
		cfg.Orders.TTLMinutes = atoiOr(cfg.Orders.TTLMinutes, v)
	}
	if v := os.Getenv("RECONCILE_APPROVED_STATUS"); v != "" {
		cfg.Reconcile.ApprovedStatus = v
	}
	if v := os.Getenv("POLLER_INTERVAL_MS"); v != "" {
		cfg.Poller.IntervalMillis = atoiOr(cfg.Poller.IntervalMillis, v)
	}
	if v := os.Getenv("POLLER_TIMEOUT_SECONDS"); v != "" {
		cfg.Poller.TimeoutSeconds = atoiOr(cfg.Poller.TimeoutSeconds, v)
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_STALE_AFTER_SECONDS"); v != "" {
		cfg.Worker.StaleAfterSeconds = atoi64Or(cfg.Worker.StaleAfterSeconds, v)
	}
	if v := os.Getenv("JAEGER_ENDPOINT"); v != "" {
		cfg.Telemetry.JaegerEndpoint = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
