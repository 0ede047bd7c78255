package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional server YAML file. Flags win over file
// values; the file wins over built-in defaults.
type fileConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Homepage      string        `yaml:"homepage"`
	MetricsListen string        `yaml:"metrics_listen"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
	SessionIdle   time.Duration `yaml:"session_idle"`
	ACMEHosts     []string      `yaml:"acme_hosts"`
	ACMEEmail     string        `yaml:"acme_email"`
	ACMECache     string        `yaml:"acme_cache"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return &cfg, nil
}

// applyFileConfig fills option fields that are still at their default.
func (o *serverOptions) applyFileConfig(cfg *fileConfig, defaults *serverOptions) {
	if o.host == defaults.host && cfg.Host != "" {
		o.host = cfg.Host
	}
	if o.port == defaults.port && cfg.Port != 0 {
		o.port = cfg.Port
	}
	if o.homepage == "" {
		o.homepage = cfg.Homepage
	}
	if o.metricsListen == "" {
		o.metricsListen = cfg.MetricsListen
	}
	if o.heartbeat == defaults.heartbeat && cfg.Heartbeat > 0 {
		o.heartbeat = cfg.Heartbeat
	}
	if o.sessionIdle == 0 && cfg.SessionIdle > 0 {
		o.sessionIdle = cfg.SessionIdle
	}
	if len(o.acmeHosts) == 0 {
		o.acmeHosts = cfg.ACMEHosts
	}
	if o.acmeEmail == "" {
		o.acmeEmail = cfg.ACMEEmail
	}
	if o.acmeCache == "" {
		o.acmeCache = cfg.ACMECache
	}
}
