// Package speakers groups per-frame face detections into stable speaker
// identities.
//
// Clustering is connected components over a cosine similarity graph built with
// union-find, so the result does not depend on the order detections arrive in.
// Speaker IDs are a hash of the sorted member detection IDs and labels follow
// a deterministic cluster sort (earliest appearance, then member frame IDs), so
// re-running on the same detections reproduces the same identities.
//
// Role classification is a heuristic (the speaker with the most screen time is
// the host) that callers can override with a YAML hints file.
package speakers
