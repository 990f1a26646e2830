// Package artifact defines the entities that flow between pipeline stages:
// video references, sampled frames, face detections, speaker identities,
// headshot records, and thumbnail records.
//
// Each entity is owned by the stage that creates it. Downstream stages hold
// IDs and paths only and never mutate upstream values.
package artifact
