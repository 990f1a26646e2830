// Package preflight provides readiness checks for the binaries, directories
// and remote services a podthumb run depends on.
//
// The "podthumb check" command runs RunAll and prints one row per check.
// Mirror checks are skipped when the mirror is disabled.
package preflight
