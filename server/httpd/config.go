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

package httpd

import (
	"crypto/rand"
	"time"
)

// Config holds the HTTP transport's construction options, using the same
// functional-options Config/Option/DefaultConfig shape as pkg/config, but
// applied to server construction rather than process configuration.
type Config struct {
	Prefix            string
	MaxRequestBytes    int64
	ByteBudget         int64
	TokenTTL           time.Duration
	SigningKey         []byte
	CORSOrigin         string
	CompressionLevel   *int
}

// Option mutates a Config.
type Option func(*Config)

// DefaultConfig returns the default HTTP transport configuration: a 16
// MiB request cap, a 4 MiB producer byte budget, a 1-hour token TTL, and
// a freshly generated random 32-byte signing key.
func DefaultConfig() Config {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return Config{
		Prefix:          "",
		MaxRequestBytes: 16 << 20,
		ByteBudget:      4 << 20,
		TokenTTL:        time.Hour,
		SigningKey:      key,
	}
}

// WithPrefix sets the route prefix every endpoint is mounted under.
func WithPrefix(prefix string) Option { return func(c *Config) { c.Prefix = prefix } }

// WithMaxRequestBytes sets the request-size cap enforced with HTTP 413.
func WithMaxRequestBytes(n int64) Option { return func(c *Config) { c.MaxRequestBytes = n } }

// WithByteBudget sets the producer byte budget that triggers a
// continuation token instead of an unbounded init response.
func WithByteBudget(n int64) Option { return func(c *Config) { c.ByteBudget = n } }

// WithTokenTTL sets the state-token TTL; 0 disables expiry checking.
func WithTokenTTL(d time.Duration) Option { return func(c *Config) { c.TokenTTL = d } }

// WithSigningKey sets the process-wide HMAC signing key.
func WithSigningKey(key []byte) Option { return func(c *Config) { c.SigningKey = key } }

// WithCORSOrigin enables CORS for the given origin ("*" for any).
func WithCORSOrigin(origin string) Option { return func(c *Config) { c.CORSOrigin = origin } }

// WithCompressionLevel enables zstd response compression at level.
func WithCompressionLevel(level int) Option {
	return func(c *Config) { c.CompressionLevel = &level }
}
