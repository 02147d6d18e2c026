// Package config loads the wallet bot configuration from a YAML or JSON file,
// applies environment overrides and fills in defaults before the runtime
// wires its components.
package config
