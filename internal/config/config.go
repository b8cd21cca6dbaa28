// Package config loads the hub's recognized options (spec ยง6) from a YAML
// file, following the Default*Config() + struct-tag pattern the teacher
// repo uses for its TracingConfig.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/agentaflow/gpuhub/internal/tracing"
)

// Config is the complete set of recognized control-plane options.
type Config struct {
	ControlPlaneListenAddr string `yaml:"control_plane_listen_addr"`
	DatabaseURL            string `yaml:"database_url"`
	AgentExecutorPort      int    `yaml:"agent_executor_port"`
	SupervisorTickInterval Duration `yaml:"supervisor_tick_interval"`
	AgentOfflineTimeout    Duration `yaml:"agent_offline_timeout"`
	RemoteLaunchTimeout    Duration `yaml:"remote_launch_timeout"`
	RemoteProbeTimeout     Duration `yaml:"remote_probe_timeout"`
	LogLevel               string   `yaml:"log_level"`
	Tracing                *tracing.Config `yaml:"tracing"`
}

// Duration wraps time.Duration so it can be parsed from YAML strings like "5s".
type Duration time.Duration

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var secs int64
		if numErr := unmarshal(&secs); numErr != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	if secs, convErr := strconv.ParseInt(s, 10, 64); convErr == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the spec-mandated defaults for every recognized option.
func Default() *Config {
	return &Config{
		ControlPlaneListenAddr: ":8080",
		DatabaseURL:            "gpuhub.db",
		AgentExecutorPort:      8001,
		SupervisorTickInterval: Duration(5 * time.Second),
		AgentOfflineTimeout:    Duration(300 * time.Second),
		RemoteLaunchTimeout:    Duration(30 * time.Second),
		RemoteProbeTimeout:     Duration(5 * time.Second),
		LogLevel:               "info",
		Tracing:                tracing.DefaultConfig(),
	}
}

// Load reads a YAML config file at path, filling in spec defaults for any
// field the file omits. A missing file is not an error: Default() is
// returned with the environment overrides applied, matching a zero-config
// quick start.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Tracing == nil {
		cfg.Tracing = tracing.DefaultConfig()
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets database_url and control_plane_listen_addr be set
// without editing the file (12-factor convenience, spec ยง6).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GPUHUB_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("GPUHUB_LISTEN_ADDR"); v != "" {
		cfg.ControlPlaneListenAddr = v
	}
}
