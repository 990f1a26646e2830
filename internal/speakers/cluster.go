package speakers

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sort"

	"podthumb/internal/artifact"
	"podthumb/internal/fingerprint"
)

// Discard reasons.
const (
	DiscardLowConfidence     = "low_confidence"
	DiscardEmptyEmbedding    = "empty_embedding"
	DiscardZeroNorm          = "zero_norm"
	DiscardDimensionMismatch = "dimension_mismatch"
	DiscardDuplicate         = "duplicate_id"
)

const (
	defaultSimilarityThreshold = 0.6
	defaultMinConfidence       = 0.5
	defaultRepresentatives     = 4
)

// Options are the clustering calibration parameters.
type Options struct {
	SimilarityThreshold float64
	MinConfidence       float64
	Representatives     int
}

// DefaultOptions returns the calibrated defaults.
func DefaultOptions() Options {
	return Options{
		SimilarityThreshold: defaultSimilarityThreshold,
		MinConfidence:       defaultMinConfidence,
		Representatives:     defaultRepresentatives,
	}
}

// Discard records a detection rejected as noise before clustering.
type Discard struct {
	DetectionID string `json:"detection_id"`
	Reason      string `json:"reason"`
}

// Result is the outcome of one clustering pass.
type Result struct {
	Speakers  []artifact.SpeakerIdentity `json:"speakers"`
	Discarded []Discard                  `json:"discarded"`
}

// Clusterer groups face detections into speakers.
type Clusterer struct {
	opts Options
}

// New builds a clusterer; zero options fall back to defaults.
func New(opts Options) *Clusterer {
	def := DefaultOptions()
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = def.SimilarityThreshold
	}
	if opts.MinConfidence < 0 {
		opts.MinConfidence = 0
	}
	if opts.Representatives <= 0 {
		opts.Representatives = def.Representatives
	}
	return &Clusterer{opts: opts}
}

// Options returns the effective options.
func (c *Clusterer) Options() Options {
	return c.opts
}

type candidate struct {
	det    artifact.FaceDetection
	vector []float32
}

// Cluster partitions detections into speakers. Every detection ends up either
// in exactly one speaker or in Discarded.
func (c *Clusterer) Cluster(detections []artifact.FaceDetection) Result {
	result := Result{Speakers: []artifact.SpeakerIdentity{}, Discarded: []Discard{}}
	if len(detections) == 0 {
		return result
	}

	sorted := slices.Clone(detections)
	slices.SortFunc(sorted, compareDetections)

	kept, discarded := c.reject(sorted)
	result.Discarded = discarded
	if len(kept) == 0 {
		return result
	}

	uf := newUnionFind(len(kept))
	for i := 0; i < len(kept); i++ {
		for j := i + 1; j < len(kept); j++ {
			if similarity(kept[i].vector, kept[j].vector) >= c.opts.SimilarityThreshold {
				uf.union(i, j)
			}
		}
	}

	groups := make(map[int][]artifact.FaceDetection)
	for i, cand := range kept {
		root := uf.find(i)
		groups[root] = append(groups[root], cand.det)
	}
	clusters := make([][]artifact.FaceDetection, 0, len(groups))
	for _, members := range groups {
		clusters = append(clusters, members)
	}
	sortClusters(clusters)

	for i, members := range clusters {
		result.Speakers = append(result.Speakers, c.identity(i+1, members))
	}
	assignRoles(result.Speakers)
	return result
}

// compareDetections orders by ID, then by content, so the duplicate that
// survives does not depend on input order.
func compareDetections(a, b artifact.FaceDetection) int {
	if c := cmp.Compare(a.ID, b.ID); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
		return c
	}
	for _, pair := range [][2]float64{
		{a.Box.X1, b.Box.X1}, {a.Box.Y1, b.Box.Y1},
		{a.Box.X2, b.Box.X2}, {a.Box.Y2, b.Box.Y2},
		{a.Timestamp, b.Timestamp},
	} {
		if c := cmp.Compare(pair[0], pair[1]); c != 0 {
			return c
		}
	}
	if c := cmp.Compare(a.FrameID, b.FrameID); c != 0 {
		return c
	}
	return slices.Compare(a.Embedding, b.Embedding)
}

func (c *Clusterer) reject(sorted []artifact.FaceDetection) ([]candidate, []Discard) {
	discarded := []Discard{}
	seen := make(map[string]bool, len(sorted))
	lengths := make(map[int]int)
	var pending []artifact.FaceDetection
	for _, det := range sorted {
		switch {
		case seen[det.ID]:
			discarded = append(discarded, Discard{DetectionID: det.ID, Reason: DiscardDuplicate})
			continue
		case det.Confidence < c.opts.MinConfidence || math.IsNaN(det.Confidence):
			discarded = append(discarded, Discard{DetectionID: det.ID, Reason: DiscardLowConfidence})
		case len(det.Embedding) == 0:
			discarded = append(discarded, Discard{DetectionID: det.ID, Reason: DiscardEmptyEmbedding})
		default:
			pending = append(pending, det)
			lengths[len(det.Embedding)]++
		}
		seen[det.ID] = true
	}

	dim := majorityLength(lengths)
	kept := make([]candidate, 0, len(pending))
	for _, det := range pending {
		if len(det.Embedding) != dim {
			discarded = append(discarded, Discard{DetectionID: det.ID, Reason: DiscardDimensionMismatch})
			continue
		}
		vec, ok := unitVector(det.Embedding)
		if !ok {
			discarded = append(discarded, Discard{DetectionID: det.ID, Reason: DiscardZeroNorm})
			continue
		}
		kept = append(kept, candidate{det: det, vector: vec})
	}
	sort.SliceStable(discarded, func(i, j int) bool { return discarded[i].DetectionID < discarded[j].DetectionID })
	return kept, discarded
}

// majorityLength picks the most common embedding length; ties go to the
// shorter length.
func majorityLength(lengths map[int]int) int {
	best, bestCount := 0, 0
	for length, count := range lengths {
		if count > bestCount || (count == bestCount && length < best) {
			best, bestCount = length, count
		}
	}
	return best
}

func earliest(members []artifact.FaceDetection) float64 {
	ts := math.Inf(1)
	for _, m := range members {
		ts = math.Min(ts, m.Timestamp)
	}
	return ts
}

func frameIDs(members []artifact.FaceDetection) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.FrameID)
	}
	sort.Strings(out)
	return out
}

func sortClusters(clusters [][]artifact.FaceDetection) {
	for _, members := range clusters {
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	}
	sort.Slice(clusters, func(i, j int) bool {
		ei, ej := earliest(clusters[i]), earliest(clusters[j])
		if ei != ej {
			return ei < ej
		}
		if cmp := slices.Compare(frameIDs(clusters[i]), frameIDs(clusters[j])); cmp != 0 {
			return cmp < 0
		}
		return clusters[i][0].ID < clusters[j][0].ID
	})
}

// SpeakerID derives the stable identifier of a cluster from its member IDs.
func SpeakerID(memberIDs []string) string {
	ids := slices.Clone(memberIDs)
	sort.Strings(ids)
	return "spk_" + fingerprint.Short(fingerprint.New("speaker").Strings("members", ids).Sum(), 12)
}

// Label returns the ordinal label for the n-th speaker (1-based).
func Label(n int) string {
	return fmt.Sprintf("speaker_%d", n)
}

func (c *Clusterer) identity(ordinal int, members []artifact.FaceDetection) artifact.SpeakerIdentity {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	ranked := rankFrames(members)
	reps := ranked
	if len(reps) > c.opts.Representatives {
		reps = reps[:c.opts.Representatives]
	}
	return artifact.SpeakerIdentity{
		ID:              SpeakerID(ids),
		Label:           Label(ordinal),
		Role:            artifact.RoleUnknown,
		RoleSource:      artifact.RoleSourceHeuristic,
		LowConfidence:   len(members) == 1,
		FirstSeen:       earliest(members),
		Representatives: slices.Clone(reps),
		RankedFrames:    ranked,
		Members:         ids,
	}
}

// rankFrames orders member frames best first: confidence descending, then
// frontal pose when known, then detection ID. A frame appears once, at the
// rank of its best detection.
func rankFrames(members []artifact.FaceDetection) []string {
	ordered := slices.Clone(members)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		switch {
		case a.Pose != nil && b.Pose != nil:
			if fa, fb := a.Pose.FrontalScore(), b.Pose.FrontalScore(); fa != fb {
				return fa < fb
			}
		case a.Pose != nil:
			return true
		case b.Pose != nil:
			return false
		}
		return a.ID < b.ID
	})
	seen := make(map[string]bool, len(ordered))
	out := make([]string, 0, len(ordered))
	for _, m := range ordered {
		if seen[m.FrameID] {
			continue
		}
		seen[m.FrameID] = true
		out = append(out, m.FrameID)
	}
	return out
}

// assignRoles marks the speaker with the most detections as host, ties going
// to the earlier speaker. Speakers arrive sorted by first appearance.
func assignRoles(speakers []artifact.SpeakerIdentity) {
	if len(speakers) == 0 {
		return
	}
	host := 0
	for i, s := range speakers {
		if len(s.Members) > len(speakers[host].Members) {
			host = i
		}
	}
	for i := range speakers {
		speakers[i].RoleSource = artifact.RoleSourceHeuristic
		if i == host {
			speakers[i].Role = artifact.RoleHost
		} else {
			speakers[i].Role = artifact.RoleGuest
		}
	}
}

// Find returns the speaker whose label or ID equals ref.
func Find(speakers []artifact.SpeakerIdentity, ref string) (artifact.SpeakerIdentity, bool) {
	if idx := indexOf(speakers, ref); idx >= 0 {
		return speakers[idx], true
	}
	return artifact.SpeakerIdentity{}, false
}
