package logging

// Config is the `logging` section of devrelay.yml:
//
//	logging:
//	  level: debug
//	  format: json
//	  file: ~/.local/state/devrelay/hub.log
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	// DEVRELAY_LOG_LEVEL takes precedence.
	Level string `yaml:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`

	// Caller adds file and line to every entry. DEVRELAY_LOG_CALLER=true
	// turns it on as well.
	Caller bool `yaml:"caller,omitempty"`

	// Format is "text" (default), "compact" or "json".
	Format string `yaml:"format,omitempty" jsonschema:"enum=text,enum=compact,enum=json"`

	// File, when set, receives every entry in addition to stderr.
	File string `yaml:"file,omitempty"`

	// Stderr is "auto" (default), "always" or "never". In auto mode an
	// interactive terminal only sees logs at debug level, so inspector
	// output is not interleaved with hub chatter.
	Stderr string `yaml:"stderr,omitempty" jsonschema:"enum=auto,enum=always,enum=never"`
}
