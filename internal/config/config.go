package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL string `yaml:"ttl"`
	} `yaml:"quiz"`
	Session struct {
		Lives      int               `yaml:"lives"`
		TimeLimits map[string]string `yaml:"time_limits"`
	} `yaml:"session"`
	Ranking struct {
		LeaderboardSize int     `yaml:"leaderboard_size"`
		Freshness       string  `yaml:"freshness"`
		RefreshInterval string  `yaml:"refresh_interval"`
		RecomputeRate   float64 `yaml:"recompute_rate"`
		RecomputeBurst  int     `yaml:"recompute_burst"`
		RetryMax        string  `yaml:"retry_max"`
		IndexReadyTTL   string  `yaml:"index_ready_ttl"`
	} `yaml:"ranking"`
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

// TimeLimits parses the per-difficulty question limits. Unparseable entries are skipped.
func (c Config) TimeLimits() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Session.TimeLimits))
	for difficulty, raw := range c.Session.TimeLimits {
		if d := TTLDuration(raw, 0); d > 0 {
			out[difficulty] = d
		}
	}
	return out
}
