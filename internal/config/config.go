// Package config loads flowcron's configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rendis/flowcron/internal/scheduler"
	"github.com/rendis/flowcron/internal/tasks"
	"github.com/rendis/flowcron/pkg/schema"
)

// EnvPrefix prefixes environment overrides, e.g. FLOWCRON_STORE_DSN.
const EnvPrefix = "FLOWCRON"

// Config holds the configuration for the application.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Operations OperationsConfig `mapstructure:"operations"`
	Workflows  []WorkflowFile   `mapstructure:"workflows" validate:"dive"`
	// Task input keys are case-insensitive; viper lowercases them.
	Tasks []tasks.Spec `mapstructure:"tasks" validate:"dive"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=libsql postgres"`
	// DSN is a file path for libsql and a connection URL for postgres.
	DSN string `mapstructure:"dsn" validate:"required"`
}

type EngineConfig struct {
	MaxSteps         int           `mapstructure:"max_steps" validate:"min=1"`
	ItemConcurrency  int           `mapstructure:"item_concurrency" validate:"min=1"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" validate:"min=0"`
	RunTimeout       time.Duration `mapstructure:"run_timeout" validate:"min=0"`
	Breaker          BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"min=1"`
	Cooldown         time.Duration `mapstructure:"cooldown" validate:"min=0"`
}

type SchedulerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ExecutionTimeout  time.Duration `mapstructure:"execution_timeout" validate:"min=0"`
	SourceConcurrency int           `mapstructure:"source_concurrency" validate:"min=1"`
	LockTTL           time.Duration `mapstructure:"lock_ttl" validate:"min=0"`
}

// RedisConfig enables the distributed execution lock when Addr is set.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"min=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type OperationsConfig struct {
	HTTPTimeout     time.Duration `mapstructure:"http_timeout" validate:"min=0"`
	MaxResponseBody int64         `mapstructure:"max_response_body" validate:"min=0"`
}

// WorkflowFile points at a JSON document mapping node ids to node bodies.
type WorkflowFile struct {
	ID        string `mapstructure:"id" validate:"required"`
	Name      string `mapstructure:"name"`
	StartNode string `mapstructure:"start_node"`
	Path      string `mapstructure:"path" validate:"required"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.dsn", "flowcron.db")
	v.SetDefault("engine.max_steps", 1000)
	v.SetDefault("engine.item_concurrency", 4)
	v.SetDefault("engine.operation_timeout", "30s")
	v.SetDefault("engine.run_timeout", "10m")
	v.SetDefault("engine.breaker.enabled", false)
	v.SetDefault("engine.breaker.failure_threshold", 5)
	v.SetDefault("engine.breaker.cooldown", "30s")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.execution_timeout", "30m")
	v.SetDefault("scheduler.source_concurrency", 4)
	v.SetDefault("scheduler.lock_ttl", "0s")
	v.SetDefault("redis.key_prefix", "flowcron:lock:")
	v.SetDefault("operations.http_timeout", "30s")
	v.SetDefault("operations.max_response_body", 10*1024*1024)
}

// Load reads path, or config.yaml from . or ./config when path is empty.
// A missing default file is not an error; defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "read config: %s", err.Error()).WithCause(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode config: %s", err.Error()).WithCause(err)
	}
	if err := restoreInputKeys(v.ConfigFileUsed(), &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// restoreInputKeys re-decodes tasks[].inputs straight from the config file.
// Viper lowercases every key it reads, but inputs become workflow variables
// and keep the case they were written in.
func restoreInputKeys(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "read config: %s", err.Error()).WithCause(err)
	}

	var raw struct {
		Tasks []struct {
			Name   string         `yaml:"name"`
			Inputs map[string]any `yaml:"inputs"`
		} `yaml:"tasks"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode config: %s", err.Error()).WithCause(err)
	}

	inputs := make(map[string]map[string]any, len(raw.Tasks))
	for _, t := range raw.Tasks {
		if t.Inputs != nil {
			inputs[t.Name] = t.Inputs
		}
	}
	for i := range cfg.Tasks {
		if in, ok := inputs[cfg.Tasks[i].Name]; ok {
			cfg.Tasks[i].Inputs = in
		}
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return scheduler.ValidateCadence(fl.Field().String()) == nil
	})
	return v
}

// Validate checks field constraints and cross-references between sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid config: %s", strings.Join(msgs, "; ")).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid config: %s", err.Error()).WithCause(err)
	}

	names := make(map[string]struct{}, len(c.Tasks))
	for _, t := range c.Tasks {
		if _, dup := names[t.Name]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid config: task %q defined twice", t.Name)
		}
		names[t.Name] = struct{}{}
	}
	ids := make(map[string]struct{}, len(c.Workflows))
	for _, w := range c.Workflows {
		if _, dup := ids[w.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid config: workflow %q defined twice", w.ID)
		}
		ids[w.ID] = struct{}{}
	}
	return nil
}

// Task returns the task named name.
func (c *Config) Task(name string) (tasks.Spec, bool) {
	for _, t := range c.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return tasks.Spec{}, false
}
