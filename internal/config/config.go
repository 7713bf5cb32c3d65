// Package config loads agent configuration from a YAML file with environment
// overrides layered on top.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RelayBaseURL string
	AccountID    string
	DeviceID     string
	DataDir      string
	MetricsAddr  string
	SyncInterval time.Duration
	TopUpEvery   time.Duration
	HTTPTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RelayBaseURL: "http://localhost:8080",
		DataDir:      ".campuschat",
		SyncInterval: 5 * time.Second,
		TopUpEvery:   15 * time.Minute,
		HTTPTimeout:  15 * time.Second,
	}
}

type fileConfig struct {
	Agent AgentSection `yaml:"agent"`
}

type AgentSection struct {
	RelayBaseURL string        `yaml:"relayBaseUrl"`
	AccountID    string        `yaml:"accountId"`
	DeviceID     string        `yaml:"deviceId"`
	DataDir      string        `yaml:"dataDir"`
	MetricsAddr  string        `yaml:"metricsAddr"`
	SyncInterval time.Duration `yaml:"syncInterval"`
	TopUpEvery   time.Duration `yaml:"topUpEvery"`
	HTTPTimeout  time.Duration `yaml:"httpTimeout"`
}

// LoadFromPath reads the first readable candidate config file, merges it over
// defaults and applies environment overrides. A missing or unparseable file
// is not an error; defaults plus env still apply.
func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/agent.yaml",
			"agent.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed.Agent)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src AgentSection) {
	if src.RelayBaseURL != "" {
		dst.RelayBaseURL = src.RelayBaseURL
	}
	if src.AccountID != "" {
		dst.AccountID = src.AccountID
	}
	if src.DeviceID != "" {
		dst.DeviceID = src.DeviceID
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.MetricsAddr != "" {
		dst.MetricsAddr = src.MetricsAddr
	}
	if src.SyncInterval != 0 {
		dst.SyncInterval = src.SyncInterval
	}
	if src.TopUpEvery != 0 {
		dst.TopUpEvery = src.TopUpEvery
	}
	if src.HTTPTimeout != 0 {
		dst.HTTPTimeout = src.HTTPTimeout
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CC_RELAY_BASE_URL")); v != "" {
		cfg.RelayBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CC_ACCOUNT_ID")); v != "" {
		cfg.AccountID = v
	}
	if v := strings.TrimSpace(os.Getenv("CC_DEVICE_ID")); v != "" {
		cfg.DeviceID = v
	}
	if v := strings.TrimSpace(os.Getenv("CC_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("CC_METRICS_ADDR")); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("CC_SYNC_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SyncInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("CC_TOPUP_EVERY")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TopUpEvery = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("CC_HTTP_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTPTimeout = d
		}
	}
}
