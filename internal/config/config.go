package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rl1809/stockflow/internal/core/domain"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	DBDriver   string `yaml:"db_driver"`
	DBURI      string `yaml:"db_uri"`
	ReplicaURI string `yaml:"replica_uri"`

	// RedisAddr empty selects the in-memory queue, cache, limiter and fan-out
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	QueuePartitions int           `yaml:"queue_partitions"`
	QueueCapacity   int           `yaml:"queue_capacity"`
	WorkerAttempts  int           `yaml:"worker_attempts"`
	WorkerBackoff   time.Duration `yaml:"worker_backoff"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`

	NegativeStockPolicy string   `yaml:"negative_stock_policy"`
	RateLimits          []string `yaml:"rate_limits"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	AuditBackend string `yaml:"audit_backend"`
	MongoURI     string `yaml:"mongo_uri"`
	MongoDB      string `yaml:"mongo_db"`

	ConsulAddr  string `yaml:"consul_addr"`
	ServiceID   string `yaml:"service_id"`
	ServiceHost string `yaml:"service_host"`

	CORSOrigins []string `yaml:"cors_origins"`
	// TrustedProxies lists addresses or CIDRs whose X-Forwarded-For is believed
	TrustedProxies []string `yaml:"trusted_proxies"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Default() Config {
	return Config{
		HTTPAddr:            ":8080",
		GRPCAddr:            ":50051",
		DBDriver:            "mysql",
		DBURI:               "root:root@tcp(localhost:3306)/stockflow?parseTime=true",
		QueuePartitions:     16,
		QueueCapacity:       10000,
		WorkerAttempts:      3,
		WorkerBackoff:       200 * time.Millisecond,
		TaskTimeout:         5 * time.Second,
		CacheTTL:            30 * time.Second,
		NegativeStockPolicy: string(domain.NegativeStockReject),
		RateLimits:          []string{"50/hour", "200/day"},
		KafkaTopic:          "stock-events",
		AuditBackend:        "sql",
		MongoDB:             "stockflow",
		ServiceHost:         "localhost",
		CORSOrigins:         []string{"*"},
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// Load layers defaults, the optional YAML file at path, a .env file and
// finally the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getEnv("GRPC_ADDR", c.GRPCAddr)
	c.DBDriver = getEnv("DB_DRIVER", c.DBDriver)
	c.DBURI = getEnv("DB_URI", c.DBURI)
	c.ReplicaURI = getEnv("REPLICA_URI", c.ReplicaURI)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.NegativeStockPolicy = getEnv("NEGATIVE_STOCK_POLICY", c.NegativeStockPolicy)
	c.RateLimits = getList("RATE_LIMITS", c.RateLimits)
	c.KafkaBrokers = getList("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopic = getEnv("KAFKA_TOPIC", c.KafkaTopic)
	c.AuditBackend = getEnv("AUDIT_BACKEND", c.AuditBackend)
	c.MongoURI = getEnv("MONGO_URI", c.MongoURI)
	c.MongoDB = getEnv("MONGO_DB", c.MongoDB)
	c.ConsulAddr = getEnv("CONSUL_ADDR", c.ConsulAddr)
	c.ServiceID = getEnv("SERVICE_ID", c.ServiceID)
	c.ServiceHost = getEnv("SERVICE_HOST", c.ServiceHost)
	c.CORSOrigins = getList("CORS_ORIGINS", c.CORSOrigins)
	c.TrustedProxies = getList("TRUSTED_PROXIES", c.TrustedProxies)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	var err error
	if c.RedisDB, err = getInt("REDIS_DB", c.RedisDB); err != nil {
		return err
	}
	if c.QueuePartitions, err = getInt("QUEUE_PARTITIONS", c.QueuePartitions); err != nil {
		return err
	}
	if c.QueueCapacity, err = getInt("QUEUE_CAPACITY", c.QueueCapacity); err != nil {
		return err
	}
	if c.WorkerAttempts, err = getInt("WORKER_ATTEMPTS", c.WorkerAttempts); err != nil {
		return err
	}
	if c.WorkerBackoff, err = getDuration("WORKER_BACKOFF", c.WorkerBackoff); err != nil {
		return err
	}
	if c.TaskTimeout, err = getDuration("TASK_TIMEOUT", c.TaskTimeout); err != nil {
		return err
	}
	if c.CacheTTL, err = getDuration("CACHE_TTL", c.CacheTTL); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.DBDriver == "" {
		errs = append(errs, errors.New("DB_DRIVER is required"))
	}
	if c.DBURI == "" {
		errs = append(errs, errors.New("DB_URI is required"))
	}
	if c.QueuePartitions < 1 {
		errs = append(errs, errors.New("QUEUE_PARTITIONS must be at least 1"))
	}
	if c.WorkerAttempts < 1 {
		errs = append(errs, errors.New("WORKER_ATTEMPTS must be at least 1"))
	}
	if c.TaskTimeout <= 0 {
		errs = append(errs, errors.New("TASK_TIMEOUT must be positive"))
	}
	if _, err := domain.ParseNegativeStockPolicy(c.NegativeStockPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.RateRules(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	switch c.AuditBackend {
	case "sql":
	case "mongo":
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required when AUDIT_BACKEND=mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUDIT_BACKEND %q", c.AuditBackend))
	}
	return errors.Join(errs...)
}

// ReplicaDSN falls back to the primary when no replica is configured.
func (c *Config) ReplicaDSN() string {
	if c.ReplicaURI == "" {
		return c.DBURI
	}
	return c.ReplicaURI
}

func (c *Config) Policy() domain.NegativeStockPolicy {
	p, _ := domain.ParseNegativeStockPolicy(c.NegativeStockPolicy)
	return p
}

type RateRule struct {
	Name   string
	Limit  int
	Window time.Duration
}

var rateUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// RateRules parses limits written as "<count>/<second|minute|hour|day>".
func (c *Config) RateRules() ([]RateRule, error) {
	rules := make([]RateRule, 0, len(c.RateLimits))
	for _, raw := range c.RateLimits {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		count, unit, ok := strings.Cut(raw, "/")
		if !ok {
			return nil, fmt.Errorf("invalid rate limit %q", raw)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("invalid rate limit count in %q", raw)
		}
		unit = strings.TrimSpace(unit)
		window, ok := rateUnits[unit]
		if !ok {
			return nil, fmt.Errorf("invalid rate limit unit in %q", raw)
		}
		rules = append(rules, RateRule{Name: limitName(limit, unit), Limit: limit, Window: window})
	}
	return rules, nil
}

func limitName(limit int, unit string) string {
	return strconv.Itoa(limit) + "/" + unit
}

// ProxyPrefixes parses TrustedProxies; a bare address is a single-host prefix.
func (c *Config) ProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
