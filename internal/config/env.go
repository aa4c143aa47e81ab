package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables on top of file values.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if cfg == nil || lookup == nil {
		return nil
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("LOG_LEVEL", &cfg.LogLevel)
	str("MQTT_BROKER_HOST", &cfg.MQTT.Host)
	str("MQTT_USERNAME", &cfg.MQTT.Username)
	str("MQTT_PASSWORD", &cfg.MQTT.Password)
	str("MQTT_TOPIC", &cfg.MQTT.Topic)
	str("MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	str("ENCRYPTION_KDF", &cfg.Encryption.KDF)
	str("ENCRYPTION_SALT", &cfg.Encryption.Salt)
	str("DATABASE_DRIVER", &cfg.Storage.Driver)
	str("DATABASE_URL", &cfg.Storage.DSN)
	str("API_ADDR", &cfg.API.Addr)

	// The key is taken verbatim; surrounding whitespace is part of the secret.
	if v, ok := lookup("ENCRYPTION_KEY"); ok {
		cfg.Encryption.Key = v
	}
	if v, ok := lookup("MQTT_BROKER_PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("MQTT_BROKER_PORT: %w", err)
		}
		cfg.MQTT.Port = port
	}
	if v, ok := lookup("REDIS_ADDR"); ok && strings.TrimSpace(v) != "" {
		cfg.Cache.Addr = strings.TrimSpace(v)
		cfg.Cache.Enabled = true
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok && strings.TrimSpace(v) != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Kafka.Brokers = brokers
	}
	if v, ok := lookup("INGEST_REDELIVERY_WINDOW"); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("INGEST_REDELIVERY_WINDOW: %w", err)
		}
		cfg.Ingest.RedeliveryWindow = d
	}
	return nil
}
