// Package config loads agentwatch's environment-sourced configuration using
// a small layered loader: envDefault struct tags seed defaults, then
// environment variables (optionally behind a prefix) override them. The
// result is validated once at startup into an immutable Config value passed
// by reference to every component constructor.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// StoreBackend selects the persistence backend plugged into the Store
// interface. The AgentRegistry never branches on which value is active.
type StoreBackend string

const (
	// BackendMemory keeps agents resident only in the process; the default.
	BackendMemory StoreBackend = "memory"
	// BackendExternalKV persists agents to a pluggable external key-value
	// store (this repo wires Redis; see internal/store/redisstore).
	BackendExternalKV StoreBackend = "external-kv"
)

// Config holds every runtime tunable. Fields are populated by Load and must
// not be mutated afterward; pass *Config by reference to component
// constructors.
type Config struct {
	ListenAddress string `env:"LISTEN_ADDRESS" envDefault:":3001"`

	MaxLogsPerAgent    int `env:"MAX_LOGS_PER_AGENT" envDefault:"1000"`
	MaxSubscriberQueue int `env:"MAX_SUBSCRIBER_QUEUE" envDefault:"256"`

	PingInterval time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
	PongDeadline time.Duration `env:"PONG_DEADLINE" envDefault:"10s"`

	IngestionDeadline time.Duration `env:"INGESTION_DEADLINE" envDefault:"5s"`

	CompletedTTL      time.Duration `env:"COMPLETED_TTL" envDefault:"24h"`
	IdleTTL           time.Duration `env:"IDLE_TTL" envDefault:"168h"`
	RetentionInterval time.Duration `env:"RETENTION_INTERVAL" envDefault:"5m"`

	MaxStringLen     int `env:"MAX_STRING_LEN" envDefault:"4096"`
	MaxSanitizeDepth int `env:"MAX_SANITIZE_DEPTH" envDefault:"8"`

	StoreBackend StoreBackend `env:"STORE_BACKEND" envDefault:"memory"`
	RedisAddr    string       `env:"REDIS_ADDR" envDefault:"localhost:6379"`
}

// Load resolves a Config from envDefault struct tags overridden by
// environment variables named "<prefix>_<env tag>" (prefix is optional and
// uppercased automatically), then validates the result.
func Load(prefix string) (*Config, error) {
	cfg := &Config{}
	if err := populateDefaults(cfg); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}
	if err := applyEnv(cfg, strings.ToUpper(prefix)); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks invariants Load cannot express via struct tags alone:
// StoreBackend is a closed enum, and external-kv requires RedisAddr.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendExternalKV:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND=external-kv")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want %q or %q)", c.StoreBackend, BackendMemory, BackendExternalKV)
	}
	if c.MaxLogsPerAgent <= 0 {
		return fmt.Errorf("MAX_LOGS_PER_AGENT must be positive")
	}
	if c.MaxSubscriberQueue <= 0 {
		return fmt.Errorf("MAX_SUBSCRIBER_QUEUE must be positive")
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func populateDefaults(cfg *Config) error {
	return forEachField(cfg, func(field reflect.StructField, v reflect.Value) error {
		def, ok := field.Tag.Lookup("envDefault")
		if !ok {
			return nil
		}
		return setField(v, field, def)
	})
}

func applyEnv(cfg *Config, prefix string) error {
	return forEachField(cfg, func(field reflect.StructField, v reflect.Value) error {
		name, ok := field.Tag.Lookup("env")
		if !ok {
			return nil
		}
		key := name
		if prefix != "" {
			key = prefix + "_" + name
		}
		raw, present := os.LookupEnv(key)
		if !present {
			return nil
		}
		return setField(v, field, raw)
	})
}

func forEachField(cfg *Config, fn func(reflect.StructField, reflect.Value) error) error {
	rv := reflect.ValueOf(cfg).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		if err := fn(rt.Field(i), rv.Field(i)); err != nil {
			return fmt.Errorf("field %s: %w", rt.Field(i).Name, err)
		}
	}
	return nil
}

func setField(v reflect.Value, field reflect.StructField, raw string) error {
	switch {
	case field.Type == durationType:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		v.SetInt(int64(d))
		return nil
	case v.Kind() == reflect.String:
		v.SetString(raw)
		return nil
	case v.Kind() == reflect.Int || v.Kind() == reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		v.SetInt(n)
		return nil
	case v.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
		return nil
	default:
		return fmt.Errorf("unsupported field kind %s", v.Kind())
	}
}
