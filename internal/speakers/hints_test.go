package speakers_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"podthumb/internal/artifact"
	"podthumb/internal/speakers"
)

func threeSpeakers() []artifact.SpeakerIdentity {
	return []artifact.SpeakerIdentity{
		{ID: "spk_aaa", Label: "speaker_1", Role: artifact.RoleGuest, RoleSource: artifact.RoleSourceHeuristic},
		{ID: "spk_bbb", Label: "speaker_2", Role: artifact.RoleHost, RoleSource: artifact.RoleSourceHeuristic},
		{ID: "spk_ccc", Label: "speaker_3", Role: artifact.RoleGuest, RoleSource: artifact.RoleSourceHeuristic},
	}
}

func TestParseHints(t *testing.T) {
	hints, err := speakers.ParseHints([]byte(`
only: true
speakers:
  - match: speaker_1
    name: Ada
    role: host
    required: true
  - match: spk_ccc
`))
	require.NoError(t, err)
	require.True(t, hints.Only)
	require.Len(t, hints.Speakers, 2)
	require.Equal(t, artifact.RoleHost, hints.Speakers[0].Role)

	empty, err := speakers.ParseHints(nil)
	require.NoError(t, err)
	require.True(t, empty.Empty())
}

func TestParseHintsRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown role":  "speakers:\n  - match: speaker_1\n    role: cohost\n",
		"missing match": "speakers:\n  - name: Ada\n",
		"duplicate":     "speakers:\n  - match: speaker_1\n  - match: speaker_1\n",
		"unknown field": "speakers:\n  - match: speaker_1\n    colour: red\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := speakers.ParseHints([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadHintsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hints.yaml")
	require.NoError(t, os.WriteFile(path, []byte("speakers:\n  - match: speaker_2\n    name: Grace\n"), 0o644))
	hints, err := speakers.LoadHints(path)
	require.NoError(t, err)
	require.Equal(t, "Grace", hints.Speakers[0].Name)

	none, err := speakers.LoadHints("")
	require.NoError(t, err)
	require.True(t, none.Empty())
}

func TestApplyOverridesRoles(t *testing.T) {
	hints := speakers.Hints{Speakers: []speakers.Hint{
		{Match: "speaker_1", Name: "Ada", Role: artifact.RoleHost},
		{Match: "spk_bbb", Role: artifact.RoleGuest},
		{Match: "speaker_9"},
	}}
	original := threeSpeakers()
	out, unmatched := hints.Apply(original)
	require.Equal(t, []string{"speaker_9"}, unmatched)
	require.Equal(t, "Ada", out[0].Name)
	require.Equal(t, artifact.RoleHost, out[0].Role)
	require.Equal(t, artifact.RoleSourceHint, out[0].RoleSource)
	require.Equal(t, artifact.RoleGuest, out[1].Role)
	require.Equal(t, artifact.RoleSourceHeuristic, out[2].RoleSource)
	require.Equal(t, artifact.RoleGuest, original[0].Role, "input must not be mutated")
}

func TestSelectHostFirstAndCapped(t *testing.T) {
	sel := speakers.Hints{}.Select(threeSpeakers(), 2)
	require.Len(t, sel.Speakers, 2)
	require.Equal(t, "speaker_2", sel.Speakers[0].Label)
	require.Equal(t, "speaker_1", sel.Speakers[1].Label)
	require.Empty(t, sel.Required)
	require.Empty(t, sel.Missing)
}

func TestSelectKeepsRequiredWithinCap(t *testing.T) {
	hints := speakers.Hints{Speakers: []speakers.Hint{
		{Match: "speaker_3", Required: true},
		{Match: "speaker_7", Required: true},
	}}
	sel := hints.Select(threeSpeakers(), 2)
	require.Len(t, sel.Speakers, 2)
	require.Equal(t, "speaker_2", sel.Speakers[0].Label)
	require.Equal(t, "speaker_3", sel.Speakers[1].Label)
	require.Equal(t, []string{"spk_ccc"}, sel.Required)
	require.Equal(t, []string{"speaker_7"}, sel.Missing)
}

func TestSelectOnlyHinted(t *testing.T) {
	hints := speakers.Hints{Only: true, Speakers: []speakers.Hint{{Match: "speaker_1"}, {Match: "speaker_3"}}}
	sel := hints.Select(threeSpeakers(), 4)
	require.Len(t, sel.Speakers, 2)
	require.Equal(t, "speaker_1", sel.Speakers[0].Label)
	require.Equal(t, "speaker_3", sel.Speakers[1].Label)
}
