// Package config holds the tunables for a Server and a ClientConn: the
// handful of settings a deployment actually varies, loadable from a YAML
// file the way keploy's config layer loads its own settings.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// ServerConfig configures a grpclite.Server.
type ServerConfig struct {
	Address               string        `yaml:"address"`
	MaxConcurrentStreams  uint32        `yaml:"maxConcurrentStreams"`
	MaxReceiveMessageSize uint32        `yaml:"maxReceiveMessageSize"`
	InitialWindowSize     uint32        `yaml:"initialWindowSize"`
	IdleTimeout           time.Duration `yaml:"idleTimeout"`
}

// DefaultServerConfig returns the settings a Server runs with when not
// otherwise configured.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:               ":8081",
		MaxConcurrentStreams:  100,
		MaxReceiveMessageSize: 4 << 20,
		InitialWindowSize:     65535,
		IdleTimeout:           0,
	}
}

// DialConfig configures a grpclite.ClientConn.
type DialConfig struct {
	Authority             string        `yaml:"authority"`
	UserAgent             string        `yaml:"userAgent"`
	Timeout               time.Duration `yaml:"timeout"`
	MaxReceiveMessageSize uint32        `yaml:"maxReceiveMessageSize"`
}

// DefaultDialConfig returns the settings a ClientConn dials with when not
// otherwise configured.
func DefaultDialConfig() DialConfig {
	return DialConfig{
		UserAgent:             "grpclite/0.1",
		Timeout:               5 * time.Second,
		MaxReceiveMessageSize: 4 << 20,
	}
}

// LoadServerConfig reads and decodes a ServerConfig from a YAML file at
// path, starting from DefaultServerConfig so a partial file only
// overrides the fields it sets.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDialConfig reads and decodes a DialConfig from a YAML file at path,
// starting from DefaultDialConfig.
func LoadDialConfig(path string) (DialConfig, error) {
	cfg := DefaultDialConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}
