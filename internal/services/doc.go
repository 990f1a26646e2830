// Package services defines shared utilities consumed by the pipeline stages
// and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, stage names, speaker IDs, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify failures
//     into transient (retryable), validation, configuration, and tool errors.
//   - The subpackages wrap the external collaborators (ffmpeg, the face
//     detector, the Gemini image model) behind the interfaces the stages
//     consume.
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
