package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"
)

// Config holds all nodeflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr  string   `json:"listen_addr"`
	DBPath      string   `json:"db_path"`
	LogLevel    string   `json:"log_level"`
	PoolSize    int      `json:"pool_size"`
	RedisURL    string   `json:"redis_url"`
	TokenSecret string   `json:"token_secret"`
	TokenTTL    Duration `json:"token_ttl"`
	MaxAttempts int      `json:"max_attempts"`
	RetryDelay  Duration `json:"retry_delay"`
	RunLease    Duration `json:"run_lease"`
	Scheduler   bool     `json:"scheduler"`
}

// Duration is a time.Duration read from settings.json as "30s" or as
// integer seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := parseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs int64
	if err := json.Unmarshal(data, &secs); err != nil {
		return err
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":4200",
		DBPath:      filepath.Join(nodeflowDir(), "nodeflow.db"),
		LogLevel:    "info",
		PoolSize:    10,
		TokenTTL:    Duration(15 * time.Minute),
		MaxAttempts: 3,
		RetryDelay:  Duration(time.Second),
		RunLease:    Duration(10 * time.Minute),
		Scheduler:   true,
	}
}

// nodeflowDir is NODEFLOW_HOME, or ~/.nodeflow.
func nodeflowDir() string {
	if v := os.Getenv("NODEFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nodeflow"
	}
	return filepath.Join(home, ".nodeflow")
}

func settingsPath() string {
	return filepath.Join(nodeflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("NODEFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("NODEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("NODEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NODEFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("NODEFLOW_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("NODEFLOW_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("NODEFLOW_TOKEN_TTL"); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.TokenTTL = Duration(d)
		}
	}
	if v := os.Getenv("NODEFLOW_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("NODEFLOW_RETRY_DELAY"); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.RetryDelay = Duration(d)
		}
	}
	if v := os.Getenv("NODEFLOW_RUN_LEASE"); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.RunLease = Duration(d)
		}
	}
	if v := os.Getenv("NODEFLOW_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return cfg
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged  bool
	SchedulerChanged bool
	RestartNeeded    []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.Scheduler != new.Scheduler {
		d.SchedulerChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"db_path", old.DBPath != new.DBPath},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"redis_url", old.RedisURL != new.RedisURL},
		{"token_secret", old.TokenSecret != new.TokenSecret},
		{"token_ttl", old.TokenTTL != new.TokenTTL},
		{"max_attempts", old.MaxAttempts != new.MaxAttempts},
		{"retry_delay", old.RetryDelay != new.RetryDelay},
		{"run_lease", old.RunLease != new.RunLease},
	}
	for _, f := range restart {
		if f.changed {
			d.RestartNeeded = append(d.RestartNeeded, f.name)
		}
	}
	slices.Sort(d.RestartNeeded)
	return d
}
