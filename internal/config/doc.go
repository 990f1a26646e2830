// Package config loads, normalizes, and validates podthumb configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// GEMINI_API_KEY and PODTHUMB_CACHE_DIR. The Config type centralizes every
// knob the pipeline and CLI need; pipeline packages receive values from it
// through their constructors and never read the environment themselves.
package config
