package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/muxrun/mux/pkg/federation"
	"github.com/muxrun/mux/pkg/policy"
)

const defaultListenAddr = "127.0.0.1:7821"

type providerConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseUrl,omitempty"`
}

type tracingConfig struct {
	// Endpoint is an OTLP/HTTP collector address; empty disables tracing.
	Endpoint string `yaml:"endpoint,omitempty"`
}

type daemonConfig struct {
	ListenAddr   string                    `yaml:"listenAddr,omitempty"`
	AuthToken    string                    `yaml:"authToken,omitempty"`
	DataDir      string                    `yaml:"dataDir,omitempty"`
	PolicySource string                    `yaml:"policySource,omitempty"`
	Tracing      tracingConfig             `yaml:"tracing,omitempty"`
	Providers    map[string]providerConfig `yaml:"providers,omitempty"`
	Federation   []federation.ServerConfig `yaml:"federation,omitempty"`
}

// loadConfig reads the optional YAML config file, then applies environment
// overrides (MUX_LISTEN_ADDR, MUX_AUTH_TOKEN, MUX_POLICY_FILE) and defaults.
func loadConfig(path string) (*daemonConfig, error) {
	cfg := &daemonConfig{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("MUX_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MUX_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv(policy.EnvPolicySource); v != "" {
		cfg.PolicySource = v
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".mux")
	}
	return cfg, nil
}
