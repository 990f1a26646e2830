// Package fingerprint builds canonical cache keys over the semantic inputs of a
// stage invocation.
//
// A Builder collects named, typed fields (model identifiers, prompt text,
// ordered content hashes, numeric parameters) and hashes a length-prefixed
// encoding of them sorted by name, so the result is independent of call order
// and of process state. File content hashes and VideoRef construction live
// here too so every stage hashes inputs the same way.
package fingerprint
