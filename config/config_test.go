package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grovetools/devrelay/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAML(t *testing.T) {
	t.Setenv("DEVRELAY_HOME", t.TempDir())
	t.Setenv("RELAY_PORT", "9911")

	data := []byte(`
hub:
  listen: "127.0.0.1:${RELAY_PORT}"
  ping_interval: 5s
bridge:
  hub_url: ws://127.0.0.1:9911
filter:
  blacklist: [TICK, "mouse/*"]
  maxAge: 50
  latency: 250ms
logging:
  level: debug
`)
	cfg, err := LoadFromBytes(data, "yaml")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9911", cfg.Hub.Listen)
	assert.Equal(t, 5*time.Second, cfg.Hub.PingInterval)
	assert.Equal(t, []string{"TICK", "mouse/*"}, cfg.Filter.Blacklist)
	assert.Equal(t, 50, cfg.Filter.MaxAge)
	assert.Equal(t, 250*time.Millisecond, cfg.Filter.Latency)
	assert.NotEmpty(t, cfg.Hub.Socket)

	var logCfg struct {
		Level string `yaml:"level"`
	}
	require.NoError(t, cfg.UnmarshalExtension("logging", &logCfg))
	assert.Equal(t, "debug", logCfg.Level)
}

func TestLoadTOML(t *testing.T) {
	t.Setenv("DEVRELAY_HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "devrelay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[hub]
listen = "127.0.0.1:8765"

[filter]
whitelist = ["counter/*"]
limit = 20
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"counter/*"}, cfg.Filter.Whitelist)
	assert.Equal(t, 20, cfg.Filter.Limit)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("DEVRELAY_HOME", t.TempDir())
	testCases := []struct {
		name string
		data string
	}{
		{"bad listen", "hub:\n  listen: nowhere\n"},
		{"bad hub url", "bridge:\n  hub_url: http://x\n"},
		{"negative limit", "filter:\n  limit: -1\n"},
		{"max age one", "filter:\n  maxAge: 1\n"},
		{"not yaml", "hub: [\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tc.data), "yaml")
			assert.True(t, errors.Is(err, errors.ErrCodeConfigInvalid), "got %v", err)
		})
	}
}

func TestLoadFromFallsBackToDefaults(t *testing.T) {
	t.Setenv("DEVRELAY_HOME", t.TempDir())
	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Hub.PingInterval)
	assert.NotNil(t, cfg.Extensions)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.True(t, errors.Is(err, errors.ErrCodeConfigNotFound))
}

func TestDecodeFilterOptions(t *testing.T) {
	opts, err := DecodeFilterOptions([]byte(`{"whitelist":"A,B","maxAge":"10","latency":"1s"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, opts.Whitelist)
	assert.Equal(t, 10, opts.MaxAge)
	assert.Equal(t, time.Second, opts.Latency)

	raw, err := opts.Raw()
	require.NoError(t, err)
	again, err := DecodeFilterOptions(raw)
	require.NoError(t, err)
	assert.Equal(t, opts, again)

	_, err = DecodeFilterOptions([]byte(`[]`))
	assert.Error(t, err)
	_, err = DecodeFilterOptions([]byte(`{"limit":-3}`))
	assert.Error(t, err)
}

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	properties, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, properties, "hub")
	assert.Contains(t, properties, "bridge")
	assert.Contains(t, properties, "filter")
}
