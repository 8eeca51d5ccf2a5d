// Package config provides configuration loading and validation for the transcription service and client.
// It handles YAML-based configuration over built-in defaults with per-section validation
// and environment overrides for backend selection and credentials.
package config
