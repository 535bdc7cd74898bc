package config

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
)

var durationType = reflect.TypeOf(time.Duration(0))

// GenerateSchema creates a JSON schema for devrelay.yml.
func GenerateSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		// Expand struct references instead of using $ref for cleaner base schema.
		ExpandedStruct: true,
		// Use YAML field names for property names
		FieldNameTag: "yaml",
		// Durations are written as strings such as "30s".
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == durationType {
				return &jsonschema.Schema{Type: "string", Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`}
			}
			return nil
		},
	}

	// Extensions such as logging are composed in by the schema generator.
	type BaseConfig struct {
		Hub    HubConfig     `yaml:"hub,omitempty" jsonschema:"description=Routing hub daemon"`
		Bridge BridgeConfig  `yaml:"bridge,omitempty" jsonschema:"description=Bridge side of instrumented processes"`
		Filter FilterOptions `yaml:"filter,omitempty" jsonschema:"description=Default filter for instrumented instances"`
	}

	schema := r.Reflect(&BaseConfig{})
	schema.Title = "devrelay configuration"
	schema.Description = "Schema for devrelay.yml."
	schema.Version = "http://json-schema.org/draft-07/schema#"
	schema.Required = nil
	schema.AdditionalProperties = jsonschema.TrueSchema

	return json.MarshalIndent(schema, "", "  ")
}
