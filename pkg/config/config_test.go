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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "/rpc", cfg.HTTP.Prefix)
	assert.Equal(t, int64(16<<20), cfg.HTTP.MaxRequestBytes)
	assert.Equal(t, int64(4<<20), cfg.HTTP.ByteBudget)
	assert.Equal(t, time.Hour, cfg.HTTP.TokenTTL)
	assert.True(t, cfg.Pipe.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadWithNoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().HTTP.Addr, cfg.HTTP.Addr)
}

func TestLoadFromYAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "http:\n  addr: \":9090\"\n  prefix: \"/api\"\nlog:\n  level: \"debug\"\n  json: true\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "/api", cfg.HTTP.Prefix)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	// Unset fields keep their Default() seed.
	assert.Equal(t, int64(16<<20), cfg.HTTP.MaxRequestBytes)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":9090\"\n"), 0o644))

	t.Setenv("VGIRPC_HTTP_ADDR", ":7070")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
}

func TestLoadMissingFilePathErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
