// Package main hosts the podthumb CLI.
//
// The Cobra command tree runs the full thumbnail pipeline or a single stage
// against the configured workspace, and exposes manifest, cache, preflight
// and configuration utilities. Stage logic lives in internal/pipeline; commands
// here only resolve configuration, build the runtime and render results.
package main
