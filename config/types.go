package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Config is the devrelay configuration loaded from devrelay.yml or
// devrelay.toml.
type Config struct {
	Hub    HubConfig     `mapstructure:"hub" yaml:"hub" toml:"hub"`
	Bridge BridgeConfig  `mapstructure:"bridge" yaml:"bridge" toml:"bridge"`
	Filter FilterOptions `mapstructure:"filter" yaml:"filter" toml:"filter"`

	// Extensions holds sections owned by other packages, such as logging.
	Extensions map[string]interface{} `mapstructure:",remain" yaml:",inline" toml:"-"`
}

// HubConfig configures the routing hub daemon.
type HubConfig struct {
	// Socket is the unix socket the hub listens on. Defaults to the runtime dir.
	Socket string `mapstructure:"socket" yaml:"socket,omitempty" toml:"socket,omitempty"`
	// Listen is an optional TCP address (e.g. "127.0.0.1:8765") served in
	// addition to the socket, for inspectors that cannot dial unix sockets.
	Listen string `mapstructure:"listen" yaml:"listen,omitempty" toml:"listen,omitempty"`
	// ReportsDir stores shared reports.
	ReportsDir string `mapstructure:"reports_dir" yaml:"reports_dir,omitempty" toml:"reports_dir,omitempty"`
	// Journal is the JSONL file routing events are appended to. "off" disables it.
	Journal string `mapstructure:"journal" yaml:"journal,omitempty" toml:"journal,omitempty"`
	// PingInterval is the websocket keepalive period.
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval,omitempty" toml:"ping_interval,omitempty"`
}

// BridgeConfig configures the bridge side of an instrumented process.
type BridgeConfig struct {
	// HubURL is the websocket base URL of the hub, e.g. "ws://127.0.0.1:8765".
	HubURL string `mapstructure:"hub_url" yaml:"hub_url,omitempty" toml:"hub_url,omitempty"`
	// OptionsFile is watched and pushed to instrumented instances as OPTIONS.
	OptionsFile string `mapstructure:"options_file" yaml:"options_file,omitempty" toml:"options_file,omitempty"`
	// ReconnectDelay is the initial backoff when the hub is unreachable.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay,omitempty" toml:"reconnect_delay,omitempty"`
}

// FilterOptions is the serializable part of an instrumented instance's
// filter configuration. It is the shape of the OPTIONS blob.
type FilterOptions struct {
	Whitelist []string      `mapstructure:"whitelist" json:"whitelist,omitempty" yaml:"whitelist,omitempty"`
	Blacklist []string      `mapstructure:"blacklist" json:"blacklist,omitempty" yaml:"blacklist,omitempty"`
	Limit     int           `mapstructure:"limit" json:"limit,omitempty" yaml:"limit,omitempty"`
	MaxAge    int           `mapstructure:"maxAge" json:"maxAge,omitempty" yaml:"maxAge,omitempty"`
	Latency   time.Duration `mapstructure:"latency" json:"latency,omitempty" yaml:"latency,omitempty"`
}

// UnmarshalExtension decodes a section that is not part of Config into
// target, which must be a pointer. A missing section leaves target as is.
//
// Example:
//
//	var logCfg logging.Config
//	err := cfg.UnmarshalExtension("logging", &logCfg)
func (c *Config) UnmarshalExtension(key string, target interface{}) error {
	section, ok := c.Extensions[key]
	if !ok {
		return nil
	}

	decoder, err := newDecoder(target, "yaml")
	if err != nil {
		return fmt.Errorf("failed to create mapstructure decoder: %w", err)
	}
	if err := decoder.Decode(section); err != nil {
		return fmt.Errorf("failed to decode extension config for '%s': %w", key, err)
	}
	return nil
}

func newDecoder(target interface{}, tag string) (*mapstructure.Decoder, error) {
	return mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          tag,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
}
