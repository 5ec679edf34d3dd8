// Package config loads the service configuration from YAML, an optional .env
// file and TRANSCRIBER_* environment variables, validates it and converts it
// into the settings used by the stream and transcription packages.
package config
