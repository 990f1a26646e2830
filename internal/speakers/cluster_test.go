package speakers_test

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"podthumb/internal/artifact"
	"podthumb/internal/speakers"
)

func det(frame string, idx int, ts float64, conf float64, emb ...float32) artifact.FaceDetection {
	return artifact.FaceDetection{
		ID:         artifact.DetectionID(frame, idx),
		FrameID:    frame,
		Timestamp:  ts,
		Box:        artifact.BoundingBox{X1: 0.1, Y1: 0.1, X2: 0.4, Y2: 0.5},
		Embedding:  emb,
		Confidence: conf,
	}
}

// twoSpeakers returns four frames each for two well separated faces plus one
// frame with no usable face.
func twoSpeakers() []artifact.FaceDetection {
	return []artifact.FaceDetection{
		det("frm_a_000000000", 0, 0, 0.95, 1, 0.05, 0, 0),
		det("frm_a_000030000", 0, 30, 0.90, 0.98, 0.1, 0.02, 0),
		det("frm_a_000060000", 0, 60, 0.92, 1, 0, 0.05, 0.01),
		det("frm_a_000090000", 0, 90, 0.85, 0.97, 0.02, 0, 0.1),
		det("frm_a_000015000", 0, 15, 0.93, 0, 1, 0.05, 0),
		det("frm_a_000045000", 0, 45, 0.91, 0.05, 0.99, 0, 0),
		det("frm_a_000075000", 0, 75, 0.88, 0, 0.97, 0, 0.08),
		det("frm_a_000105000", 0, 105, 0.80, 0.02, 1, 0.03, 0),
		det("frm_a_000120000", 0, 120, 0.20, 0, 0, 1, 0),
	}
}

func TestClusterHappyPath(t *testing.T) {
	result := speakers.New(speakers.DefaultOptions()).Cluster(twoSpeakers())

	require.Len(t, result.Speakers, 2)
	require.Len(t, result.Discarded, 1)
	require.Equal(t, speakers.DiscardLowConfidence, result.Discarded[0].Reason)

	first, second := result.Speakers[0], result.Speakers[1]
	require.Equal(t, "speaker_1", first.Label)
	require.Equal(t, "speaker_2", second.Label)
	require.Equal(t, float64(0), first.FirstSeen)
	require.Equal(t, float64(15), second.FirstSeen)
	require.Len(t, first.Members, 4)
	require.Len(t, second.Members, 4)
	require.NotEmpty(t, first.Representatives)
	require.Equal(t, "frm_a_000000000", first.Representatives[0])
	require.False(t, first.LowConfidence)
	require.Equal(t, artifact.RoleHost, first.Role)
	require.Equal(t, artifact.RoleGuest, second.Role)
	require.Regexp(t, `^spk_[0-9a-f]{12}$`, first.ID)
	require.NotEqual(t, first.ID, second.ID)
}

func TestClusterPartition(t *testing.T) {
	input := twoSpeakers()
	input = append(input,
		det("frm_a_000130000", 0, 130, 0.9),
		det("frm_a_000140000", 0, 140, 0.9, 0, 0, 0, 0),
		det("frm_a_000150000", 0, 150, 0.9, 1, 0, 0),
	)
	result := speakers.New(speakers.DefaultOptions()).Cluster(input)

	seen := make(map[string]int)
	for _, s := range result.Speakers {
		for _, m := range s.Members {
			seen[m]++
		}
	}
	for _, d := range result.Discarded {
		seen[d.DetectionID]++
	}
	require.Len(t, seen, len(input))
	for id, n := range seen {
		require.Equalf(t, 1, n, "detection %s appears %d times", id, n)
	}

	reasons := make(map[string]string)
	for _, d := range result.Discarded {
		reasons[d.DetectionID] = d.Reason
	}
	require.Equal(t, speakers.DiscardEmptyEmbedding, reasons["frm_a_000130000_f00"])
	require.Equal(t, speakers.DiscardZeroNorm, reasons["frm_a_000140000_f00"])
	require.Equal(t, speakers.DiscardDimensionMismatch, reasons["frm_a_000150000_f00"])
}

func TestClusterDeterministicUnderShuffle(t *testing.T) {
	clusterer := speakers.New(speakers.DefaultOptions())
	want := clusterer.Cluster(twoSpeakers())

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		input := twoSpeakers()
		rng.Shuffle(len(input), func(a, b int) { input[a], input[b] = input[b], input[a] })
		require.Equal(t, want, clusterer.Cluster(input))
	}
}

func TestClusterEmptyInput(t *testing.T) {
	result := speakers.New(speakers.DefaultOptions()).Cluster(nil)
	require.Empty(t, result.Speakers)
	require.Empty(t, result.Discarded)

	noise := []artifact.FaceDetection{det("frm_a_000000000", 0, 0, 0.1, 1, 0)}
	result = speakers.New(speakers.DefaultOptions()).Cluster(noise)
	require.Empty(t, result.Speakers)
	require.Len(t, result.Discarded, 1)
}

func TestClusterSingletonIsLowConfidenceHost(t *testing.T) {
	result := speakers.New(speakers.DefaultOptions()).Cluster([]artifact.FaceDetection{
		det("frm_a_000000000", 0, 0, 0.9, 1, 0),
	})
	require.Len(t, result.Speakers, 1)
	require.True(t, result.Speakers[0].LowConfidence)
	require.Equal(t, artifact.RoleHost, result.Speakers[0].Role)
}

func TestClusterTransitiveMerge(t *testing.T) {
	// a~b and b~c are above threshold while a~c is not; connected components
	// still put all three together.
	input := []artifact.FaceDetection{
		det("frm_a_000000000", 0, 0, 0.9, 1, 0),
		det("frm_a_000010000", 0, 10, 0.9, 0.8, 0.6),
		det("frm_a_000020000", 0, 20, 0.9, 0.28, 0.96),
	}
	result := speakers.New(speakers.Options{SimilarityThreshold: 0.75, MinConfidence: 0.5}).Cluster(input)
	require.Len(t, result.Speakers, 1)
	require.Len(t, result.Speakers[0].Members, 3)
}

func TestRepresentativesRankByConfidenceThenPose(t *testing.T) {
	frontal := det("frm_a_000010000", 0, 10, 0.9, 1, 0)
	frontal.Pose = &artifact.Pose{Yaw: 2, Pitch: 1}
	profile := det("frm_a_000000000", 0, 0, 0.9, 1, 0.01)
	profile.Pose = &artifact.Pose{Yaw: 60, Pitch: 5}
	best := det("frm_a_000020000", 0, 20, 0.99, 0.99, 0.02)
	second := det("frm_a_000020000", 1, 20, 0.7, 0.98, 0.03)
	extra := det("frm_a_000030000", 0, 30, 0.6, 1, 0.02)

	result := speakers.New(speakers.Options{Representatives: 3}).Cluster([]artifact.FaceDetection{profile, frontal, best, second, extra})
	require.Len(t, result.Speakers, 1)
	s := result.Speakers[0]
	require.Equal(t, []string{"frm_a_000020000", "frm_a_000010000", "frm_a_000000000"}, s.Representatives)
	require.Equal(t, []string{"frm_a_000020000", "frm_a_000010000", "frm_a_000000000", "frm_a_000030000"}, s.RankedFrames)
}

func TestSpeakerIDIgnoresMemberOrder(t *testing.T) {
	a := speakers.SpeakerID([]string{"x", "y", "z"})
	b := speakers.SpeakerID([]string{"z", "x", "y"})
	require.Equal(t, a, b)
	require.NotEqual(t, a, speakers.SpeakerID([]string{"x", "y"}))
}

func TestHostIsMostFrequentSpeaker(t *testing.T) {
	input := []artifact.FaceDetection{
		det("frm_a_000000000", 0, 0, 0.9, 1, 0),
		det("frm_a_000010000", 0, 10, 0.9, 0, 1),
		det("frm_a_000020000", 0, 20, 0.9, 0, 1),
	}
	result := speakers.New(speakers.DefaultOptions()).Cluster(input)
	require.Len(t, result.Speakers, 2)
	roles := map[string]artifact.Role{}
	for _, s := range result.Speakers {
		roles[s.Label] = s.Role
	}
	require.Equal(t, artifact.RoleGuest, roles["speaker_1"])
	require.Equal(t, artifact.RoleHost, roles["speaker_2"])

	labels := make([]string, 0, len(roles))
	for l := range roles {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	require.Equal(t, []string{"speaker_1", "speaker_2"}, labels)
}

func TestClusterDuplicateIDKeepsSameDetectionInAnyOrder(t *testing.T) {
	strong := det("frm_a_000000000", 0, 0, 0.95, 1, 0)
	weak := det("frm_a_000000000", 0, 0, 0.60, 0, 1)
	weak.Box = artifact.BoundingBox{X1: 0.5, Y1: 0.1, X2: 0.8, Y2: 0.5}
	// Only the stronger duplicate resembles this face, so the speaker count
	// shows which duplicate survived.
	other := det("frm_a_000010000", 0, 10, 0.9, 0.98, 0.05)
	clusterer := speakers.New(speakers.DefaultOptions())

	forward := clusterer.Cluster([]artifact.FaceDetection{strong, weak, other})
	backward := clusterer.Cluster([]artifact.FaceDetection{other, weak, strong})
	require.Equal(t, forward, backward)
	require.Len(t, forward.Discarded, 1)
	require.Equal(t, speakers.DiscardDuplicate, forward.Discarded[0].Reason)
	require.Len(t, forward.Speakers, 1)
	require.Len(t, forward.Speakers[0].Members, 2)
}

func TestClusterRejectsNonFiniteEmbedding(t *testing.T) {
	input := []artifact.FaceDetection{
		det("frm_a_000000000", 0, 0, 0.9, 1, 0),
		det("frm_a_000010000", 0, 10, 0.9, float32(math.NaN()), 1),
		det("frm_a_000020000", 0, 20, 0.9, 0, 0),
	}
	result := speakers.New(speakers.DefaultOptions()).Cluster(input)
	require.Len(t, result.Speakers, 1)
	require.Len(t, result.Discarded, 2)
	for _, d := range result.Discarded {
		require.Equal(t, speakers.DiscardZeroNorm, d.Reason)
	}
}
