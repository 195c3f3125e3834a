package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".craftswarm"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("CRAFTSWARM_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("CRAFTSWARM_HOME")); h != "" {
		return expandHome(h)
	}
	return os.UserHomeDir()
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	base, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, p[1:]), nil
}

// Load reads the config file (if any) and applies environment overrides.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		cfg := DefaultConfig()
		applyEnv(cfg)
		normalize(cfg, "")
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit file path. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnv(cfg)

	home, _ := resolveHomeDir()
	normalize(cfg, home)
	return cfg, validate(cfg)
}

// applyEnv overrides each group from CRAFTSWARM_<GROUP>_<FIELD> variables.
func applyEnv(cfg *Config) {
	envconfig.Process("CRAFTSWARM_PATHS", &cfg.Paths)
	envconfig.Process("CRAFTSWARM_LOG", &cfg.Log)
	envconfig.Process("CRAFTSWARM_SERVER", &cfg.Server)
	envconfig.Process("CRAFTSWARM_SUPERVISOR", &cfg.Supervisor)
	envconfig.Process("CRAFTSWARM_SESSION", &cfg.Session)
	envconfig.Process("CRAFTSWARM_RECONNECT", &cfg.Reconnect)
	envconfig.Process("CRAFTSWARM_SECURITY", &cfg.Security)
	envconfig.Process("CRAFTSWARM_GOVERNOR", &cfg.Governor)
	envconfig.Process("CRAFTSWARM_SCHEDULER", &cfg.Scheduler)
	envconfig.Process("CRAFTSWARM_PERSONAS", &cfg.Personas)
	envconfig.Process("CRAFTSWARM_TELEMETRY", &cfg.Telemetry)
	envconfig.Process("CRAFTSWARM_TIMELINE", &cfg.Timeline)
}

// normalize fills paths and clamps values a file or env var may have zeroed.
func normalize(cfg *Config, home string) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Paths.Home) == "" && home != "" {
		cfg.Paths.Home = filepath.Join(home, ConfigDir)
	}
	if strings.TrimSpace(cfg.Paths.LockPath) == "" && cfg.Paths.Home != "" {
		cfg.Paths.LockPath = filepath.Join(cfg.Paths.Home, "supervisor.lock")
	}
	if cfg.Timeline.Enabled && strings.TrimSpace(cfg.Timeline.DBPath) == "" && cfg.Paths.Home != "" {
		cfg.Timeline.DBPath = filepath.Join(cfg.Paths.Home, "timeline.db")
	}
	if len(cfg.Supervisor.WorkerArgs) == 0 && strings.TrimSpace(cfg.Supervisor.WorkerBinary) == "" {
		cfg.Supervisor.WorkerArgs = def.Supervisor.WorkerArgs
	}
	if cfg.Supervisor.EventLogCapacity <= 0 {
		cfg.Supervisor.EventLogCapacity = def.Supervisor.EventLogCapacity
	}
	if cfg.Supervisor.ControlQueueSize <= 0 {
		cfg.Supervisor.ControlQueueSize = def.Supervisor.ControlQueueSize
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		cfg.Reconnect.BaseDelay = def.Reconnect.BaseDelay
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if cfg.Security.MinActions <= 0 {
		cfg.Security.MinActions = def.Security.MinActions
	}
	if cfg.Security.MaxActions < cfg.Security.MinActions {
		cfg.Security.MaxActions = cfg.Security.MinActions
	}
	if cfg.Governor.ScaleDownFraction <= 0 || cfg.Governor.ScaleDownFraction > 1 {
		cfg.Governor.ScaleDownFraction = def.Governor.ScaleDownFraction
	}
	if len(cfg.Personas.Classes) == 0 {
		cfg.Personas.Classes = def.Personas.Classes
	}
	if strings.TrimSpace(cfg.Telemetry.Topic) == "" {
		cfg.Telemetry.Topic = def.Telemetry.Topic
	}
}

func validate(cfg *Config) error {
	if cfg.Session.MinDuration > cfg.Session.MaxDuration {
		return fmt.Errorf("session.minDuration (%s) exceeds session.maxDuration (%s)", cfg.Session.MinDuration, cfg.Session.MaxDuration)
	}
	if cfg.Governor.SoftCPU > cfg.Governor.HardCPU || cfg.Governor.SoftMemory > cfg.Governor.HardMemory {
		return fmt.Errorf("governor soft thresholds must not exceed hard thresholds")
	}
	if cfg.Security.HighWater <= 0 || cfg.Security.HighWater > 100 {
		return fmt.Errorf("security.highWater must be in (0,100], got %v", cfg.Security.HighWater)
	}
	if cfg.Security.ReductionFraction <= 0 || cfg.Security.ReductionFraction > 1 {
		return fmt.Errorf("security.reductionFraction must be in (0,1], got %v", cfg.Security.ReductionFraction)
	}
	if cfg.Security.MinActions > cfg.Security.MaxActions {
		return fmt.Errorf("security.minActions exceeds security.maxActions")
	}
	if cfg.Scheduler.StaggerMin > cfg.Scheduler.StaggerMax {
		return fmt.Errorf("scheduler.staggerMin exceeds scheduler.staggerMax")
	}
	return nil
}
