// Package config holds the service settings. Every field is read from the
// environment with cleanenv; Load reads an optional .env file first.
//
// Durations use Go syntax ("15m", "1h").
package config
