package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	MQTT       MQTTConfig       `json:"mqtt" yaml:"mqtt"`
	Kafka      KafkaConfig      `json:"kafka" yaml:"kafka"`
	HTTPIngest HTTPIngestConfig `json:"http_ingest" yaml:"http_ingest"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	Encryption EncryptionConfig `json:"encryption" yaml:"encryption"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	API        APIConfig        `json:"api" yaml:"api"`
	Alerts     AlertsConfig     `json:"alerts" yaml:"alerts"`
}

type MQTTConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	Host           string        `json:"host" yaml:"host"`
	Port           int           `json:"port" yaml:"port"`
	Username       string        `json:"username" yaml:"username"`
	Password       string        `json:"password" yaml:"password"`
	Topic          string        `json:"topic" yaml:"topic"`
	ClientID       string        `json:"client_id" yaml:"client_id"`
	QoS            byte          `json:"qos" yaml:"qos"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	KeepAlive      time.Duration `json:"keep_alive" yaml:"keep_alive"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type HTTPIngestConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type IngestConfig struct {
	Workers          int           `json:"workers" yaml:"workers"`
	QueueSize        int           `json:"queue_size" yaml:"queue_size"`
	AutoRegister     bool          `json:"auto_register" yaml:"auto_register"`
	RedeliveryWindow time.Duration `json:"redelivery_window" yaml:"redelivery_window"`
	MessageTimeout   time.Duration `json:"message_timeout" yaml:"message_timeout"`
}

type EncryptionConfig struct {
	Key          string   `json:"key" yaml:"key"`
	KDF          string   `json:"kdf" yaml:"kdf"`
	Salt         string   `json:"salt" yaml:"salt"`
	FallbackKeys []string `json:"fallback_keys" yaml:"fallback_keys"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type CacheConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Addr    string        `json:"addr" yaml:"addr"`
	TTL     time.Duration `json:"ttl" yaml:"ttl"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// Bounds holds the optional high/low limits for one sensor type.
type Bounds struct {
	High *float64 `json:"high,omitempty" yaml:"high,omitempty"`
	Low  *float64 `json:"low,omitempty" yaml:"low,omitempty"`
}

type AlertsConfig struct {
	Severity        string            `json:"severity" yaml:"severity"`
	Thresholds      map[string]Bounds `json:"thresholds" yaml:"thresholds"`
	SensorOverrides map[string]Bounds `json:"sensor_overrides" yaml:"sensor_overrides"`
}

func ptr(v float64) *float64 { return &v }

func DefaultThresholds() map[string]Bounds {
	return map[string]Bounds{
		"temperature":   {High: ptr(35), Low: ptr(10)},
		"humidity":      {High: ptr(80), Low: ptr(30)},
		"soil_moisture": {Low: ptr(20)},
		"light":         {High: ptr(10000)},
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		MQTT: MQTTConfig{
			Enabled:        true,
			Host:           "localhost",
			Port:           1883,
			Topic:          "iot/sensors/#",
			QoS:            1,
			ConnectTimeout: 15 * time.Second,
			KeepAlive:      60 * time.Second,
		},
		Kafka:      KafkaConfig{Enabled: false},
		HTTPIngest: HTTPIngestConfig{Enabled: false, Addr: ":8080"},
		Ingest: IngestConfig{
			Workers:          4,
			QueueSize:        1000,
			AutoRegister:     true,
			MessageTimeout:   10 * time.Second,
		},
		Encryption: EncryptionConfig{KDF: "hkdf"},
		Storage:    StorageConfig{Driver: "sqlite", DSN: "file:sensorhub.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"},
		Cache:      CacheConfig{Enabled: false, Addr: "localhost:6379", TTL: 24 * time.Hour},
		API:        APIConfig{Enabled: true, Addr: ":8081"},
		Alerts: AlertsConfig{
			Severity:   "warning",
			Thresholds: DefaultThresholds(),
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
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
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
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
	return os.WriteFile(path, data, 0o600)
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

func applyDefaults(cfg *Config) {
	if cfg.MQTT.Port <= 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "iot/sensors/#"
	}
	if cfg.MQTT.ConnectTimeout <= 0 {
		cfg.MQTT.ConnectTimeout = 15 * time.Second
	}
	if cfg.MQTT.KeepAlive <= 0 {
		cfg.MQTT.KeepAlive = 60 * time.Second
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.QueueSize <= 0 {
		cfg.Ingest.QueueSize = 1000
	}
	if cfg.Ingest.MessageTimeout <= 0 {
		cfg.Ingest.MessageTimeout = 10 * time.Second
	}
	if cfg.Encryption.KDF == "" {
		cfg.Encryption.KDF = "hkdf"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = 24 * time.Hour
	}
	if cfg.Alerts.Severity == "" {
		cfg.Alerts.Severity = "warning"
	}
	if cfg.Alerts.Thresholds == nil {
		cfg.Alerts.Thresholds = DefaultThresholds()
	}
}

func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Encryption.Key) == "" {
		return errors.New("encryption.key is required")
	}
	switch cfg.Encryption.KDF {
	case "legacy":
	case "hkdf":
		if cfg.Encryption.Salt == "" {
			return errors.New("encryption.salt required when encryption.kdf is hkdf")
		}
	default:
		return fmt.Errorf("unsupported encryption.kdf: %s", cfg.Encryption.KDF)
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Host == "" {
		return errors.New("mqtt.host required when mqtt.enabled is true")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
			return errors.New("kafka requires brokers and topic")
		}
	}
	if cfg.HTTPIngest.Enabled && cfg.HTTPIngest.Addr == "" {
		return errors.New("http_ingest.addr required when http_ingest.enabled is true")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Cache.Enabled && cfg.Cache.Addr == "" {
		return errors.New("cache.addr required when cache.enabled is true")
	}
	switch cfg.Alerts.Severity {
	case "info", "warning", "critical":
	default:
		return fmt.Errorf("alerts.severity must be info, warning or critical, got %q", cfg.Alerts.Severity)
	}
	for name, b := range cfg.Alerts.Thresholds {
		if b.High != nil && b.Low != nil && *b.Low > *b.High {
			return fmt.Errorf("alerts.thresholds.%s: low %.2f above high %.2f", name, *b.Low, *b.High)
		}
	}
	for id, b := range cfg.Alerts.SensorOverrides {
		if b.High != nil && b.Low != nil && *b.Low > *b.High {
			return fmt.Errorf("alerts.sensor_overrides.%s: low %.2f above high %.2f", id, *b.Low, *b.High)
		}
	}
	return nil
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
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return m, nil
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

// Watch polls the config file and hands every successfully reloaded config
// to onReload. Only the alert thresholds are applied live; transport and
// storage settings take effect on restart.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
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
