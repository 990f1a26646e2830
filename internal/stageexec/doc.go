// Package stageexec runs one expensive stage invocation through the shared
// cache protocol: look the fingerprint up, restore on a hit, otherwise invoke
// the external capability with bounded retry, validate, store the outputs and
// record a manifest entry tagged with where the value came from.
//
// Cache trouble never fails a stage. A lookup or restore error is logged and
// treated as a miss; a store that fails twice is logged and the fresh value is
// returned uncached; a store conflict defers to the entry already cached.
package stageexec
