// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon configuration, read from a TOML file and
// overridable by flags.
type Config struct {
	Server ServerConfig `toml:"server"`
	Redis  RedisConfig  `toml:"redis"`
	Auth   AuthConfig   `toml:"auth"`
	Limits LimitsConfig `toml:"limits"`
}

// ServerConfig controls the HTTP server and protocol defaults.
type ServerConfig struct {
	Listen            string `toml:"listen"`
	Mount             string `toml:"mount"`
	Name              string `toml:"name"`
	Version           string `toml:"version"`
	IdleTimeout       string `toml:"idle_timeout"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	LogLevel          string `toml:"log_level"`
}

// RedisConfig enables the distributed session store and stream manager
// when Addr is set; otherwise the daemon runs single-node in memory.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// AuthConfig controls bearer-token authentication. Mode is "none" or
// "jwt".
type AuthConfig struct {
	Mode      string `toml:"mode"`
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
	Audience  string `toml:"audience"`
}

// LimitsConfig controls the rate-limiting middleware. Zero RPS disables
// it.
type LimitsConfig struct {
	RPS   float64 `toml:"rps"`
	Burst int     `toml:"burst"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:   ":8080",
			Mount:    "/mcp",
			Name:     "mcpgrid",
			Version:  "dev",
			LogLevel: "info",
		},
		Limits: LimitsConfig{Burst: 10},
	}
}

// loadConfig reads path over the defaults; an empty path yields defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// duration parses a config duration, falling back to def when unset.
func duration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return d, nil
}
