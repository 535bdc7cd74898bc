package config

import (
	"fmt"
	"net"
	"net/url"

	"github.com/grovetools/devrelay/errors"
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Hub.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Hub.Listen); err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigInvalid, fmt.Sprintf("invalid hub.listen address '%s'", c.Hub.Listen)).
				WithDetail("listen", c.Hub.Listen)
		}
	}
	if c.Hub.PingInterval < 0 {
		return errors.ConfigInvalid("hub.ping_interval cannot be negative")
	}

	if c.Bridge.HubURL != "" {
		u, err := url.Parse(c.Bridge.HubURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "unix") {
			return errors.ConfigInvalid(fmt.Sprintf("bridge.hub_url must be a ws://, wss:// or unix:// URL, got '%s'", c.Bridge.HubURL))
		}
	}

	if err := c.Filter.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid filter configuration")
	}
	return nil
}

// Validate checks filter thresholds.
func (o FilterOptions) Validate() error {
	if o.Limit < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "limit cannot be negative")
	}
	if o.MaxAge < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "maxAge cannot be negative")
	}
	if o.MaxAge == 1 {
		return errors.New(errors.ErrCodeInvalidInput, "maxAge must be at least 2")
	}
	if o.Latency < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "latency cannot be negative")
	}
	return nil
}
