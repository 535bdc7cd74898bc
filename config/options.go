package config

import (
	"encoding/json"

	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DecodeFilterOptions decodes an OPTIONS blob. Durations may be given as
// strings ("250ms") or nanoseconds; lists may be comma separated strings.
func DecodeFilterOptions(raw []byte) (FilterOptions, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return FilterOptions{}, relayerrors.Wrap(err, relayerrors.ErrCodeInvalidInput, "options blob is not a JSON object")
	}
	return decodeFilterMap(generic)
}

func decodeFilterMap(generic map[string]interface{}) (FilterOptions, error) {
	var opts FilterOptions
	decoder, err := newDecoder(&opts, "mapstructure")
	if err != nil {
		return FilterOptions{}, err
	}
	if err := decoder.Decode(generic); err != nil {
		return FilterOptions{}, relayerrors.Wrap(err, relayerrors.ErrCodeInvalidInput, "invalid options")
	}
	if err := opts.Validate(); err != nil {
		return FilterOptions{}, err
	}
	return opts, nil
}

// Raw encodes the options as an OPTIONS blob.
func (o FilterOptions) Raw() (json.RawMessage, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// ParseFilterOptions decodes an options file. format is "yaml", "toml"
// or "json"; YAML is assumed otherwise.
func ParseFilterOptions(data []byte, format string) (FilterOptions, error) {
	generic := map[string]interface{}{}
	var err error
	switch format {
	case "json":
		err = json.Unmarshal(data, &generic)
	case "toml":
		err = toml.Unmarshal(data, &generic)
	default:
		err = yaml.Unmarshal(data, &generic)
	}
	if err != nil {
		return FilterOptions{}, relayerrors.Wrap(err, relayerrors.ErrCodeInvalidInput, "failed to parse options file").
			WithDetail("format", format)
	}
	return decodeFilterMap(generic)
}
