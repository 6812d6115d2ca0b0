// Copyright The OpenTelemetry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//       http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the server's process-level configuration: the
// listen addresses, the token signing key, and the tunables (byte
// budget, token TTL, request size cap).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level server configuration.
type Config struct {
	HTTP HTTPConfig `koanf:"http"`
	Pipe PipeConfig `koanf:"pipe"`
	Log  LogConfig  `koanf:"log"`
}

// HTTPConfig configures the HTTP transport's listener and per-request
// limits.
type HTTPConfig struct {
	Addr             string        `koanf:"addr"`
	Prefix           string        `koanf:"prefix"`
	MaxRequestBytes  int64         `koanf:"max_request_bytes"`
	ByteBudget       int64         `koanf:"byte_budget"`
	TokenTTL         time.Duration `koanf:"token_ttl"`
	SigningKeyBase64 string        `koanf:"signing_key_base64"`
	CORSOrigin       string        `koanf:"cors_origin"`
}

// PipeConfig configures the process-pipe transport.
type PipeConfig struct {
	Enabled bool `koanf:"enabled"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

// Default returns a Config with this module's documented defaults.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			Prefix:          "/rpc",
			MaxRequestBytes: 16 << 20,
			ByteBudget:      4 << 20,
			TokenTTL:        time.Hour,
		},
		Pipe: PipeConfig{Enabled: true},
		Log:  LogConfig{Level: "info"},
	}
}

// Load reads configuration from the YAML file at path (skipped when path
// is empty; a path that does not exist is an error), layers VGIRPC_-prefixed environment variable overrides on
// top, and returns a fully populated Config seeded from Default().
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("VGIRPC_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "VGIRPC_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env vars: %w", err)
	}

	out := Default()
	if err := k.Unmarshal("", out); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return out, nil
}
