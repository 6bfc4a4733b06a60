// Package config provides centralized configuration management for the
// TaskRelay daemon. Configuration is loaded from a JSON file with sensible
// defaults applied for every section, so a minimal file is enough to run the
// in-memory development setup.
package config
