package main

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"

	"github.com/grovetools/devrelay/config"
	"github.com/grovetools/devrelay/logging"
	"github.com/grovetools/devrelay/pkg/lifted"
	"github.com/invopop/jsonschema"
)

func main() {
	// Define the output directory and ensure it exists.
	outputDir := "schema"
	if len(os.Args) > 1 {
		outputDir = os.Args[1]
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		log.Fatalf("Error creating schema directory: %v", err)
	}

	configSchema, err := composeConfigSchema()
	if err != nil {
		log.Fatalf("Error generating config schema: %v", err)
	}
	write(filepath.Join(outputDir, "devrelay.schema.json"), configSchema)

	stateSchema, err := lifted.GenerateSchema()
	if err != nil {
		log.Fatalf("Error generating lifted state schema: %v", err)
	}
	write(filepath.Join(outputDir, "lifted-state.schema.json"), stateSchema)
}

// composeConfigSchema adds the logging extension to the base config schema.
func composeConfigSchema() ([]byte, error) {
	base, err := config.GenerateSchema()
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(base, &doc); err != nil {
		return nil, err
	}

	r := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		ExpandedStruct:            true,
		FieldNameTag:              "yaml",
	}
	loggingSchema := r.Reflect(&logging.Config{})
	loggingSchema.Description = "Logging configuration."
	// Make all fields optional
	loggingSchema.Required = nil
	loggingSchema.Version = ""

	properties, _ := doc["properties"].(map[string]any)
	if properties == nil {
		properties = make(map[string]any)
		doc["properties"] = properties
	}
	properties["logging"] = loggingSchema
	return json.MarshalIndent(doc, "", "  ")
}

func write(path string, data []byte) {
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Fatalf("Error writing schema file: %v", err)
	}
	log.Printf("Successfully generated schema at %s", path)
}
