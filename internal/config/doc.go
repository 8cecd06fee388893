// Package config loads the tasktrackd configuration file. JSON, YAML and
// TOML are accepted; command-line flags and TASKTRACK_* environment
// variables are layered on top by the CLI.
package config
