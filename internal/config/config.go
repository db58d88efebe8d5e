package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string                  `json:"log_level" yaml:"log_level"`
	Ingest    IngestConfig            `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig         `json:"detection" yaml:"detection"`
	Zones     ZonesConfig             `json:"zones" yaml:"zones"`
	Devices   map[string]DeviceConfig `json:"devices" yaml:"devices"`
	Sweeper   SweeperConfig           `json:"sweeper" yaml:"sweeper"`
	Notify    NotifyConfig            `json:"notify" yaml:"notify"`
	Redis     RedisConfig             `json:"redis" yaml:"redis"`
	FixCache  FixCacheConfig          `json:"fix_cache" yaml:"fix_cache"`
	API       APIConfig               `json:"api" yaml:"api"`
	Storage   StorageConfig           `json:"storage" yaml:"storage"`
	Rejects   RejectsConfig           `json:"rejects" yaml:"rejects"`
}

type IngestConfig struct {
	REST               RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream          TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	Kafka              KafkaConfig     `json:"kafka" yaml:"kafka"`
	Dedupe             DedupeConfig    `json:"dedupe" yaml:"dedupe"`
	MaxFutureSkew      time.Duration   `json:"max_future_skew" yaml:"max_future_skew"`
	RequireKnownDevice bool            `json:"require_known_device" yaml:"require_known_device"`
	MaxBatch           int             `json:"max_batch" yaml:"max_batch"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type DedupeConfig struct {
	Backend string        `json:"backend" yaml:"backend"`
	Window  time.Duration `json:"window" yaml:"window"`
	Size    int           `json:"size" yaml:"size"`
}

type DetectionConfig struct {
	StalenessWindow       time.Duration `json:"staleness_window" yaml:"staleness_window"`
	Cooldown              time.Duration `json:"cooldown" yaml:"cooldown"`
	LowConfidenceAccuracy float64       `json:"low_confidence_accuracy" yaml:"low_confidence_accuracy"`
	SearchMargin          float64       `json:"search_margin" yaml:"search_margin"`
	ExitMargin            float64       `json:"exit_margin" yaml:"exit_margin"`
}

type ZonesConfig struct {
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

type DeviceConfig struct {
	Name string `json:"name" yaml:"name"`
}

type SweeperConfig struct {
	Enabled              bool          `json:"enabled" yaml:"enabled"`
	Interval             time.Duration `json:"interval" yaml:"interval"`
	StaleMembershipAfter time.Duration `json:"stale_membership_after" yaml:"stale_membership_after"`
}

type NotifyConfig struct {
	Channel       string          `json:"channel" yaml:"channel"`
	Workers       int             `json:"workers" yaml:"workers"`
	QueueSize     int             `json:"queue_size" yaml:"queue_size"`
	MaxAttempts   int             `json:"max_attempts" yaml:"max_attempts"`
	Backoff       []time.Duration `json:"backoff" yaml:"backoff"`
	RetryInterval time.Duration   `json:"retry_interval" yaml:"retry_interval"`
	ScanInterval  time.Duration   `json:"scan_interval" yaml:"scan_interval"`
	Timeout       time.Duration   `json:"timeout" yaml:"timeout"`
	Webhook       WebhookConfig   `json:"webhook" yaml:"webhook"`
	Redis         RedisChannel    `json:"redis" yaml:"redis"`
	Kafka         KafkaChannel    `json:"kafka" yaml:"kafka"`
}

type WebhookConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers" yaml:"headers"`
}

type RedisChannel struct {
	Channel string `json:"channel" yaml:"channel"`
}

type KafkaChannel struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type FixCacheConfig struct {
	Backend string        `json:"backend" yaml:"backend"`
	TTL     time.Duration `json:"ttl" yaml:"ttl"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type RejectsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			Kafka:         KafkaConfig{Enabled: false},
			Dedupe:        DedupeConfig{Backend: "memory", Window: 30 * time.Second, Size: 50000},
			MaxFutureSkew: 30 * time.Second,
			MaxBatch:      500,
		},
		Detection: DetectionConfig{
			StalenessWindow:       5 * time.Minute,
			Cooldown:              2 * time.Minute,
			LowConfidenceAccuracy: 100,
			SearchMargin:          250,
			ExitMargin:            0,
		},
		Zones: ZonesConfig{CacheTTL: 30 * time.Second},
		Sweeper: SweeperConfig{
			Enabled:              true,
			Interval:             20 * time.Second,
			StaleMembershipAfter: 24 * time.Hour,
		},
		Notify: NotifyConfig{
			Channel:       "log",
			Workers:       4,
			QueueSize:     1024,
			MaxAttempts:   8,
			Backoff:       []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
			RetryInterval: 60 * time.Second,
			ScanInterval:  5 * time.Second,
			Timeout:       10 * time.Second,
			Redis:         RedisChannel{Channel: "zonewatch:transitions"},
		},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		FixCache: FixCacheConfig{Backend: "memory"},
		API:      APIConfig{Enabled: true, Addr: ":8081"},
		Storage:  StorageConfig{Driver: "sqlite", DSN: "file:zonewatch.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		Rejects:  RejectsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config from defaults plus environment overrides, for
// running without a config file.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ZONEWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ZONEWATCH_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("ZONEWATCH_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("ZONEWATCH_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ZONEWATCH_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ZONEWATCH_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("ZONEWATCH_NOTIFY_CHANNEL"); v != "" {
		cfg.Notify.Channel = v
	}
	if v := os.Getenv("ZONEWATCH_WEBHOOK_URL"); v != "" {
		cfg.Notify.Webhook.URL = v
	}
	if v := os.Getenv("ZONEWATCH_KAFKA_BROKERS"); v != "" {
		brokers := splitList(v)
		cfg.Ingest.Kafka.Brokers = brokers
		cfg.Notify.Kafka.Brokers = brokers
	}
	if v := os.Getenv("ZONEWATCH_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("ZONEWATCH_INGEST_ADDR"); v != "" {
		cfg.Ingest.REST.Addr = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.Detection.StalenessWindow <= 0 {
		cfg.Detection.StalenessWindow = 5 * time.Minute
	}
	if cfg.Detection.SearchMargin < 0 {
		cfg.Detection.SearchMargin = 0
	}
	if cfg.Zones.CacheTTL <= 0 {
		cfg.Zones.CacheTTL = 30 * time.Second
	}
	if cfg.Ingest.Dedupe.Backend == "" {
		cfg.Ingest.Dedupe.Backend = "memory"
	}
	if cfg.Ingest.Dedupe.Size <= 0 {
		cfg.Ingest.Dedupe.Size = 50000
	}
	if cfg.Ingest.MaxBatch <= 0 {
		cfg.Ingest.MaxBatch = 500
	}
	if cfg.Sweeper.Interval <= 0 {
		cfg.Sweeper.Interval = 20 * time.Second
	}
	if cfg.Notify.Workers <= 0 {
		cfg.Notify.Workers = 4
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = 1024
	}
	if cfg.Notify.MaxAttempts <= 0 {
		cfg.Notify.MaxAttempts = 8
	}
	if len(cfg.Notify.Backoff) == 0 {
		cfg.Notify.Backoff = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}
	}
	if cfg.Notify.RetryInterval <= 0 {
		cfg.Notify.RetryInterval = 60 * time.Second
	}
	if cfg.Notify.ScanInterval <= 0 {
		cfg.Notify.ScanInterval = 5 * time.Second
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = 10 * time.Second
	}
	if cfg.FixCache.Backend == "" {
		cfg.FixCache.Backend = "memory"
	}
	if cfg.FixCache.TTL <= 0 {
		cfg.FixCache.TTL = cfg.Detection.StalenessWindow
	}
	if cfg.Rejects.StoreLimit <= 0 {
		cfg.Rejects.StoreLimit = 1000
	}
	cfg.Notify.Channel = strings.ToLower(strings.TrimSpace(cfg.Notify.Channel))
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	switch cfg.Ingest.Dedupe.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("ingest.dedupe.backend %q is not supported", cfg.Ingest.Dedupe.Backend)
	}
	if cfg.Detection.Cooldown < 0 {
		return errors.New("detection.cooldown must be >= 0")
	}
	if cfg.Detection.ExitMargin < 0 {
		return errors.New("detection.exit_margin must be >= 0")
	}
	switch cfg.Notify.Channel {
	case "log":
	case "webhook":
		if cfg.Notify.Webhook.URL == "" {
			return errors.New("notify.webhook.url required when notify.channel is webhook")
		}
	case "redis":
		if cfg.Notify.Redis.Channel == "" {
			return errors.New("notify.redis.channel required when notify.channel is redis")
		}
	case "kafka":
		if len(cfg.Notify.Kafka.Brokers) == 0 || cfg.Notify.Kafka.Topic == "" {
			return errors.New("notify.kafka requires brokers and topic")
		}
	default:
		return fmt.Errorf("notify.channel %q is not supported", cfg.Notify.Channel)
	}
	for _, d := range cfg.Notify.Backoff {
		if d <= 0 {
			return fmt.Errorf("notify.backoff contains non-positive duration: %s", d)
		}
	}
	switch cfg.FixCache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("fix_cache.backend %q is not supported", cfg.FixCache.Backend)
	}
	switch cfg.Storage.Driver {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
	}
	return nil
}

// DeviceName returns the configured display name for a device, or its id.
func (c *Config) DeviceName(deviceID string) string {
	if d, ok := c.Devices[deviceID]; ok && d.Name != "" {
		return d.Name
	}
	return deviceID
}

func (c *Config) KnownDevice(deviceID string) bool {
	_, ok := c.Devices[deviceID]
	return ok
}

// UsesRedis reports whether any component needs a redis client.
func (c *Config) UsesRedis() bool {
	return c.Ingest.Dedupe.Backend == "redis" || c.FixCache.Backend == "redis" || c.Notify.Channel == "redis"
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		<-stop
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
