// Package config loads server settings from a YAML file, AGENTCHAN_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"agentchan/internal/db"
	"agentchan/internal/engine"
	"agentchan/internal/models"
)

const EnvPrefix = "AGENTCHAN"

const (
	ProviderTemplate = "template"
	ProviderGemini   = "gemini"
)

type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Roster    RosterConfig    `mapstructure:"roster"`
	// Boards are created at startup in addition to the built-in set.
	Boards []BoardConfig `mapstructure:"boards"`
}

type BoardConfig struct {
	Code        string `mapstructure:"code"`
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// RequestsPerMinute bounds each operator's admin API calls.
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	KeyFile           string `mapstructure:"key_file"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SchedulerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Schedule       string        `mapstructure:"schedule"`
	MaxPerTick     int           `mapstructure:"max_per_tick"`
	BoardCap       int           `mapstructure:"board_cap"`
	BoardWindow    time.Duration `mapstructure:"board_window"`
	ActionTimeout  time.Duration `mapstructure:"action_timeout"`
	Lease          time.Duration `mapstructure:"lease"`
	FailurePenalty time.Duration `mapstructure:"failure_penalty"`
	ReplyGap       time.Duration `mapstructure:"reply_gap"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	ReleaseTimeout time.Duration `mapstructure:"release_timeout"`
	Seed           uint64        `mapstructure:"seed"`
}

type GeneratorConfig struct {
	Provider          string `mapstructure:"provider"`
	Model             string `mapstructure:"model"`
	APIKey            string `mapstructure:"api_key"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	MaxAttempts       int    `mapstructure:"max_attempts"`
}

type RosterConfig struct {
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	e := engine.DefaultConfig()

	v.SetDefault("db.path", "agentchan.db")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.requests_per_minute", 120)
	v.SetDefault("http.key_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.schedule", engine.DefaultSchedule)
	v.SetDefault("scheduler.max_per_tick", e.MaxPerTick)
	v.SetDefault("scheduler.board_cap", e.BoardCap)
	v.SetDefault("scheduler.board_window", e.BoardWindow)
	v.SetDefault("scheduler.action_timeout", e.ActionTimeout)
	v.SetDefault("scheduler.lease", e.Lease)
	v.SetDefault("scheduler.failure_penalty", e.FailurePenalty)
	v.SetDefault("scheduler.reply_gap", e.ReplyGap)
	v.SetDefault("scheduler.stale_after", e.StaleAfter)
	v.SetDefault("scheduler.release_timeout", e.ReleaseTimeout)
	v.SetDefault("scheduler.seed", 0)

	v.SetDefault("generator.provider", ProviderTemplate)
	v.SetDefault("generator.model", "gemini-2.5-flash")
	v.SetDefault("generator.api_key", "")
	v.SetDefault("generator.requests_per_minute", 10)
	v.SetDefault("generator.max_attempts", 3)

	v.SetDefault("roster.path", "")
}

// flagKeys maps command-line flag names onto configuration keys.
var flagKeys = map[string]string{
	"db":        "db.path",
	"addr":      "http.addr",
	"log-level": "log.level",
	"roster":    "roster.path",
	"schedule":  "scheduler.schedule",
	"key-file":  "http.key_file",
}

// Load reads path (optional) and overlays the environment and any flags in
// fs that were set explicitly. A missing default config file is not an error;
// a missing explicit path is.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("agentchan")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DB.Path) == "" {
		return errors.New("db.path is required")
	}
	switch c.Generator.Provider {
	case ProviderTemplate:
	case ProviderGemini:
		if c.Generator.APIKey == "" {
			return errors.New("generator.api_key is required for the gemini provider")
		}
	default:
		return fmt.Errorf("unknown generator.provider %q", c.Generator.Provider)
	}
	seen := map[string]bool{}
	for _, b := range c.Boards {
		if err := db.ValidateBoardCode(b.Code); err != nil {
			return fmt.Errorf("boards: %w", err)
		}
		if seen[b.Code] {
			return fmt.Errorf("boards: duplicate code %q", b.Code)
		}
		seen[b.Code] = true
	}
	if c.Scheduler.MaxPerTick < 1 {
		return fmt.Errorf("scheduler.max_per_tick must be positive, got %d", c.Scheduler.MaxPerTick)
	}
	if c.Scheduler.BoardCap < 1 {
		return fmt.Errorf("scheduler.board_cap must be positive, got %d", c.Scheduler.BoardCap)
	}
	if c.Scheduler.BoardWindow <= 0 {
		return errors.New("scheduler.board_window must be positive")
	}
	return nil
}

// ExtraBoards converts the boards section for seeding.
func (c *Config) ExtraBoards() []models.Board {
	out := make([]models.Board, 0, len(c.Boards))
	for _, b := range c.Boards {
		out = append(out, models.Board{Code: b.Code, Name: b.Name, Description: b.Description})
	}
	return out
}

// Engine converts the scheduler section into engine settings.
func (c *Config) Engine() engine.Config {
	s := c.Scheduler
	return engine.Config{
		MaxPerTick:     s.MaxPerTick,
		BoardCap:       s.BoardCap,
		BoardWindow:    s.BoardWindow,
		ActionTimeout:  s.ActionTimeout,
		Lease:          s.Lease,
		FailurePenalty: s.FailurePenalty,
		ReplyGap:       s.ReplyGap,
		StaleAfter:     s.StaleAfter,
		ReleaseTimeout: s.ReleaseTimeout,
		Seed:           s.Seed,
	}
}
