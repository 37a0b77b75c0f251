package queue

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// Config is the queue engine's configuration, following the teacher's
// struct-tag convention from modules/eventbus/config.go and
// modules/cache/config.go (json/yaml/validate/env tags, oneof validation
// on engine-selection fields).
type Config struct {
	// CursorEngine names the Pending Cursor backend. New does not read
	// it: the queue starts with the in-memory cursor unless WithCursor
	// installs another.
	CursorEngine string `json:"cursorEngine" yaml:"cursorEngine" validate:"oneof=memory disk recovery" env:"CURSOR_ENGINE"`

	// StoreEngine names the MessageStore backend. New does not read it:
	// the queue starts with the in-memory store unless WithStore installs
	// another.
	StoreEngine string `json:"storeEngine" yaml:"storeEngine" validate:"oneof=memory redis" env:"STORE_ENGINE"`

	// AccountantEngine names the UsageAccountant backend. New does not
	// read it: the queue starts with an in-memory accountant built from
	// AccountantLimit and AccountantFailFast unless WithAccountant
	// installs another.
	AccountantEngine string `json:"accountantEngine" yaml:"accountantEngine" validate:"oneof=memory redis" env:"ACCOUNTANT_ENGINE"`

	// DispatchPolicy selects the DispatchPolicy implementation.
	DispatchPolicy string `json:"dispatchPolicy" yaml:"dispatchPolicy" validate:"oneof=roundrobin priority" env:"DISPATCH_POLICY"`

	// BasePagedIn is the base contribution to maxPagedIn before summing
	// subscription prefetch sizes (spec §3).
	BasePagedIn int `json:"basePagedIn" yaml:"basePagedIn" validate:"min=1" env:"BASE_PAGED_IN"`

	// GCThreshold is the garbageSize threshold that trips Paged-In
	// compaction (spec §4.3).
	GCThreshold int `json:"gcThreshold" yaml:"gcThreshold" validate:"min=1" env:"GC_THRESHOLD"`

	// AccountantLimit is the byte/slot budget passed to the Usage
	// Accountant; zero means unlimited.
	AccountantLimit int64 `json:"accountantLimit" yaml:"accountantLimit" env:"ACCOUNTANT_LIMIT"`

	// AccountantFailFast selects ResourceExhausted-on-full vs.
	// blocking-until-space-frees behavior in Send.
	AccountantFailFast bool `json:"accountantFailFast" yaml:"accountantFailFast" env:"ACCOUNTANT_FAIL_FAST"`

	// PollInterval is how often the task runner's background wakeup
	// fires even without a send/ack/add event, as a safety net.
	PollInterval time.Duration `json:"pollInterval" yaml:"pollInterval" env:"POLL_INTERVAL"`

	// PurgeCronSpec, if non-empty, schedules a periodic task-runner
	// wakeup that runs Iterate (robfig/cron/v3 seconds-field spec). It
	// does not call Purge and removes no messages.
	PurgeCronSpec string `json:"purgeCronSpec" yaml:"purgeCronSpec" env:"PURGE_CRON_SPEC"`

	// MaxRedeliveries is the redelivery count at which a message is
	// handed to the DeadLetterStrategy instead of being re-offered.
	MaxRedeliveries int `json:"maxRedeliveries" yaml:"maxRedeliveries" env:"MAX_REDELIVERIES"`

	// DeadLetterEngine and DeadLetterTopic name a dead-letter backend and
	// its Kafka topic. New reads neither: the queue starts with
	// DropDeadLetterStrategy unless WithDeadLetterStrategy installs
	// another.
	DeadLetterEngine string `json:"deadLetterEngine" yaml:"deadLetterEngine" validate:"oneof=drop kafka" env:"DEAD_LETTER_ENGINE"`
	DeadLetterTopic  string `json:"deadLetterTopic" yaml:"deadLetterTopic" env:"DEAD_LETTER_TOPIC"`

	// RedisURL is a Redis address for the Redis-backed store and
	// accountant. New does not read it; those backends are built by the
	// caller and installed with WithStore and WithAccountant.
	RedisURL string `json:"redisURL" yaml:"redisURL" env:"REDIS_URL"`

	// DiskCursorDataPath is a directory for the disk-spillable cursor.
	// New does not read it; the disk cursor takes its directory from
	// DiskCursorOptions.DataPath.
	DiskCursorDataPath string `json:"diskCursorDataPath" yaml:"diskCursorDataPath" env:"DISK_CURSOR_DATA_PATH"`
}

// DefaultConfig returns a Config with the engine's documented defaults.
func DefaultConfig() Config {
	return Config{
		CursorEngine:       "memory",
		StoreEngine:        "memory",
		AccountantEngine:   "memory",
		DispatchPolicy:     "roundrobin",
		BasePagedIn:        64,
		GCThreshold:        100,
		AccountantLimit:    0,
		AccountantFailFast: false,
		PollInterval:       defaultPollInterval,
		MaxRedeliveries:    0,
		DeadLetterEngine:   "drop",
	}
}

// LoadYAML decodes YAML bytes into Config, starting from DefaultConfig.
func LoadYAML(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("queue config: decode yaml: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes TOML bytes into Config, starting from DefaultConfig.
func LoadTOML(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("queue config: decode toml: %w", err)
	}
	return cfg, nil
}

// LoadEnvOverrides applies environment-variable overrides to cfg using
// each field's env tag, prefixed by prefix (e.g. "PTQUEUE"). Adapted in
// scope from the teacher's feeders/affixed_env.go: this package has one
// config struct to feed, not an application-wide multi-section registry,
// so the general AffixedEnvFeeder machinery is reduced to a single
// reflection pass over Config's fields using the same
// github.com/golobby/cast type-coercion call the teacher uses.
func LoadEnvOverrides(cfg *Config, prefix string) error {
	rv := reflect.ValueOf(cfg).Elem()
	rt := rv.Type()
	prefix = strings.ToUpper(prefix)
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		envTag, ok := field.Tag.Lookup("env")
		if !ok {
			continue
		}
		envName := strings.ToUpper(envTag)
		if prefix != "" {
			envName = prefix + "_" + envName
		}
		raw, present := os.LookupEnv(envName)
		if !present || raw == "" {
			continue
		}
		var converted any
		if field.Type == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("queue config: env %s: %w", envName, err)
			}
			converted = d
		} else {
			c, err := cast.FromType(raw, field.Type)
			if err != nil {
				return fmt.Errorf("queue config: env %s: %w", envName, err)
			}
			converted = c
		}
		fv := rv.Field(i)
		if !fv.CanSet() {
			continue
		}
		fv.Set(reflect.ValueOf(converted))
	}
	return nil
}
