package ws

import (
	"context"
	"net/url"
	"time"
)

// RedialConfig configures Maintain.
type RedialConfig struct {
	HubURL  string
	Path    string
	Query   url.Values
	Options Options
	// InitialDelay is the first backoff after a failed dial. It doubles
	// on every further failure up to MaxDelay and resets once connected.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// OnDialError is told about every failed attempt.
	OnDialError func(err error, retryIn time.Duration)
}

// Maintain keeps one connection to the hub open until ctx ends. Each new
// connection is handed to attach, which must install handlers and call
// Start. Maintain returns ctx.Err().
func Maintain(ctx context.Context, cfg RedialConfig, attach func(*Conn)) error {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = 30 * time.Second
	}

	delay := cfg.InitialDelay
	for {
		conn, err := Dial(ctx, cfg.HubURL, cfg.Path, cfg.Query, cfg.Options)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if cfg.OnDialError != nil {
				cfg.OnDialError(err, delay)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			continue
		}

		delay = cfg.InitialDelay
		attach(conn)
		select {
		case <-conn.Done():
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		}
	}
}
