package artifact

import (
	"fmt"
	"math"
	"time"
)

// Origin tags whether a stage output came from the cache or a fresh invocation.
type Origin string

const (
	OriginCache Origin = "from-cache"
	OriginFresh Origin = "freshly-computed"
)

// VideoRef identifies the source video by path and content fingerprint.
type VideoRef struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
}

// FrameSample is one extracted still.
type FrameSample struct {
	ID               string  `json:"id"`
	Timestamp        float64 `json:"timestamp"`
	Path             string  `json:"path"`
	ContentHash      string  `json:"content_hash"`
	VideoFingerprint string  `json:"video_fingerprint"`
}

// FrameID derives a deterministic frame identifier from the video fingerprint
// and the timestamp rounded to milliseconds.
func FrameID(videoFingerprint string, timestamp float64) string {
	fp := videoFingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return fmt.Sprintf("frm_%s_%09d", fp, TimestampMillis(timestamp))
}

// TimestampMillis rounds seconds to whole milliseconds.
func TimestampMillis(timestamp float64) int64 {
	return int64(math.Round(timestamp * 1000))
}

// BoundingBox is a face box in normalized image coordinates.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Valid reports whether the box lies in the unit square with positive area.
func (b BoundingBox) Valid() bool {
	inUnit := func(v float64) bool { return v >= 0 && v <= 1 }
	return inUnit(b.X1) && inUnit(b.Y1) && inUnit(b.X2) && inUnit(b.Y2) && b.X1 < b.X2 && b.Y1 < b.Y2
}

// Area returns the normalized box area.
func (b BoundingBox) Area() float64 {
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// Pose is an optional head orientation estimate in degrees.
type Pose struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
}

// FrontalScore is smaller for faces looking straight at the camera.
func (p Pose) FrontalScore() float64 {
	return math.Abs(p.Yaw) + math.Abs(p.Pitch)
}

// FaceDetection is one face found in a frame.
type FaceDetection struct {
	ID         string      `json:"id"`
	FrameID    string      `json:"frame_id"`
	Timestamp  float64     `json:"timestamp"`
	Box        BoundingBox `json:"box"`
	Embedding  []float32   `json:"embedding"`
	Confidence float64     `json:"confidence"`
	Pose       *Pose       `json:"pose,omitempty"`
}

// DetectionID names the index-th face of a frame after positional sorting.
func DetectionID(frameID string, index int) string {
	return fmt.Sprintf("%s_f%02d", frameID, index)
}

// Role is the speaker's part in the conversation.
type Role string

const (
	RoleHost    Role = "host"
	RoleGuest   Role = "guest"
	RoleUnknown Role = "unknown"
)

// RoleSource records whether a role came from the heuristic or a caller hint.
type RoleSource string

const (
	RoleSourceHeuristic RoleSource = "heuristic"
	RoleSourceHint      RoleSource = "hint"
)

// SpeakerIdentity is a stable cluster of detections representing one person.
// Representatives are the top ranked member frames; RankedFrames lists every
// distinct member frame, best first, and backs alternate reference selection.
type SpeakerIdentity struct {
	ID              string     `json:"id"`
	Label           string     `json:"label"`
	Name            string     `json:"name,omitempty"`
	Role            Role       `json:"role"`
	RoleSource      RoleSource `json:"role_source"`
	LowConfidence   bool       `json:"low_confidence"`
	FirstSeen       float64    `json:"first_seen"`
	Representatives []string   `json:"representatives"`
	RankedFrames    []string   `json:"ranked_frames"`
	Members         []string   `json:"members"`
}

// HeadshotRecord is the generated headshot for one speaker.
type HeadshotRecord struct {
	SpeakerID   string    `json:"speaker_id"`
	Label       string    `json:"label"`
	Paths       []string  `json:"paths"`
	References  []string  `json:"references"`
	Fingerprint string    `json:"fingerprint"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
	Origin      Origin    `json:"origin"`
}

// Primary returns the first generated image path.
func (r HeadshotRecord) Primary() string {
	if len(r.Paths) == 0 {
		return ""
	}
	return r.Paths[0]
}

// ThumbnailRecord is the terminal composed image.
type ThumbnailRecord struct {
	SpeakerIDs     []string  `json:"speaker_ids"`
	Headshots      []string  `json:"headshots"`
	Text           string    `json:"text"`
	Background     string    `json:"background,omitempty"`
	StyleReference string    `json:"style_reference,omitempty"`
	Template       string    `json:"template"`
	Model          string    `json:"model"`
	Path           string    `json:"path"`
	Fingerprint    string    `json:"fingerprint"`
	GeneratedAt    time.Time `json:"generated_at"`
	Origin         Origin    `json:"origin"`
}
