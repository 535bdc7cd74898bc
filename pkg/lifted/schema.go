package lifted

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaResource = "lifted-state.json"

// GenerateSchema reflects the JSON Schema of a lifted State.
func GenerateSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := r.Reflect(&State{})
	schema.Title = "Lifted state"
	schema.Description = "History of one instrumented instance: actions, computed states and cursor."
	return json.MarshalIndent(schema, "", "  ")
}

var (
	compiledOnce sync.Once
	compiled     *validator.Schema
	compileErr   error
)

func snapshotSchema() (*validator.Schema, error) {
	compiledOnce.Do(func() {
		data, err := GenerateSchema()
		if err != nil {
			compileErr = err
			return
		}
		compiler := validator.NewCompiler()
		if err := compiler.AddResource(schemaResource, bytes.NewReader(data)); err != nil {
			compileErr = fmt.Errorf("failed to add snapshot schema resource: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile(schemaResource)
	})
	return compiled, compileErr
}

// ParseSnapshot decodes an externally supplied history, checking it
// against the lifted state schema and the structural invariants.
func ParseSnapshot(raw []byte) (State, error) {
	schema, err := snapshotSchema()
	if err != nil {
		return State{}, relayerrors.Wrap(err, relayerrors.ErrCodeInternal, "snapshot schema unavailable")
	}

	// Snapshots are sometimes shipped as a JSON string holding the document.
	var quoted string
	if json.Unmarshal(raw, &quoted) == nil {
		raw = []byte(quoted)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return State{}, relayerrors.Wrap(err, relayerrors.ErrCodeInvalidSnapshot, "snapshot is not JSON")
	}
	if err := schema.Validate(doc); err != nil {
		if verr, ok := err.(*validator.ValidationError); ok {
			var messages []string
			collectErrors(verr, &messages)
			return State{}, relayerrors.InvalidSnapshot(strings.Join(messages, "; "))
		}
		return State{}, relayerrors.Wrap(err, relayerrors.ErrCodeInvalidSnapshot, "schema validation failed")
	}

	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, relayerrors.Wrap(err, relayerrors.ErrCodeInvalidSnapshot, "snapshot does not decode")
	}
	if err := s.Validate(); err != nil {
		return State{}, err
	}
	return s, nil
}

func collectErrors(err *validator.ValidationError, messages *[]string) {
	if err.InstanceLocation != "" || len(err.Causes) == 0 {
		*messages = append(*messages, fmt.Sprintf("%s: %s", err.InstanceLocation, err.Message))
	}
	for _, cause := range err.Causes {
		collectErrors(cause, messages)
	}
}
