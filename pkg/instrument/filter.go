package instrument

import (
	"time"

	"github.com/grovetools/devrelay/config"
	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/grovetools/devrelay/pkg/lifted"
	"github.com/moby/patternmatcher"
)

// FilterConfig decides which changes are relayed and how often.
//
// Whitelist and Blacklist hold glob patterns over the action type, e.g.
// "TICK" or "mouse/*". When a whitelist is set, only matching types are
// relayed; a blacklisted type is never relayed. Limit and MaxAge bound
// the retained history. Latency is the batching window.
type FilterConfig struct {
	Whitelist []string
	Blacklist []string
	Limit     int
	MaxAge    int
	Latency   time.Duration

	// SerializeState and SerializeAction transform values before they
	// are put on the wire. Nil means identity.
	SerializeState  func(state any) any
	SerializeAction func(a lifted.Action) lifted.Action
}

// FromOptions builds a FilterConfig from an OPTIONS blob or the filter
// section of the configuration file. The serialization hooks of base
// are kept since they cannot travel as data.
func FromOptions(opts config.FilterOptions, base FilterConfig) FilterConfig {
	return FilterConfig{
		Whitelist:       opts.Whitelist,
		Blacklist:       opts.Blacklist,
		Limit:           opts.Limit,
		MaxAge:          opts.MaxAge,
		Latency:         opts.Latency,
		SerializeState:  base.SerializeState,
		SerializeAction: base.SerializeAction,
	}
}

// Options returns the serializable part of the configuration.
func (c FilterConfig) Options() config.FilterOptions {
	return config.FilterOptions{
		Whitelist: c.Whitelist,
		Blacklist: c.Blacklist,
		Limit:     c.Limit,
		MaxAge:    c.MaxAge,
		Latency:   c.Latency,
	}
}

func (c FilterConfig) state(s any) any {
	if c.SerializeState == nil {
		return s
	}
	return c.SerializeState(s)
}

func (c FilterConfig) action(a lifted.Action) lifted.Action {
	if c.SerializeAction == nil {
		return a
	}
	return c.SerializeAction(a)
}

// actionFilter is the compiled form of the whitelist and blacklist.
type actionFilter struct {
	whitelist *patternmatcher.PatternMatcher
	blacklist *patternmatcher.PatternMatcher
}

func compileFilter(c FilterConfig) (*actionFilter, error) {
	if err := c.Options().Validate(); err != nil {
		return nil, err
	}

	f := &actionFilter{}
	var err error
	if len(c.Whitelist) > 0 {
		if f.whitelist, err = patternmatcher.New(c.Whitelist); err != nil {
			return nil, relayerrors.Wrap(err, relayerrors.ErrCodeInvalidInput, "invalid whitelist pattern")
		}
	}
	if len(c.Blacklist) > 0 {
		if f.blacklist, err = patternmatcher.New(c.Blacklist); err != nil {
			return nil, relayerrors.Wrap(err, relayerrors.ErrCodeInvalidInput, "invalid blacklist pattern")
		}
	}
	return f, nil
}

// relevant reports whether an action of the given type is relayed.
func (f *actionFilter) relevant(actionType string) bool {
	if f.whitelist != nil {
		ok, err := f.whitelist.MatchesOrParentMatches(actionType)
		if err != nil || !ok {
			return false
		}
	}
	if f.blacklist != nil {
		ok, err := f.blacklist.MatchesOrParentMatches(actionType)
		if err == nil && ok {
			return false
		}
	}
	return true
}
