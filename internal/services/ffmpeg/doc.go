// Package ffmpeg wraps the ffmpeg and ffprobe binaries used by frame sampling.
//
// Key types:
//   - Client: extracts single frames and probes container duration
//   - ProbeResult: parsed ffprobe output containing streams and format metadata
//
// Both binaries run as subprocesses; a missing binary is reported as a
// configuration error and a failed run as an external tool error.
package ffmpeg
