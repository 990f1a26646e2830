package fingerprint_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"podthumb/internal/fingerprint"
)

func TestSumIgnoresCallOrder(t *testing.T) {
	a := fingerprint.New("headshot").
		String("model", "gemini").
		Hashes("references", []string{"aa", "bb"}).
		Float("threshold", 0.5).
		Sum()
	b := fingerprint.New("headshot").
		Float("threshold", 0.5).
		Hashes("references", []string{"aa", "bb"}).
		String("model", "gemini").
		Sum()
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestSumKeepsListOrder(t *testing.T) {
	a := fingerprint.New("x").Hashes("refs", []string{"aa", "bb"}).Sum()
	b := fingerprint.New("x").Hashes("refs", []string{"bb", "aa"}).Sum()
	require.NotEqual(t, a, b)
}

func TestSumNormalizesText(t *testing.T) {
	// "é" precomposed versus "e" + combining acute.
	a := fingerprint.New("compose").String("text", "  Café talk ").Sum()
	b := fingerprint.New("compose").String("text", "Café talk").Sum()
	require.Equal(t, a, b)

	upper := fingerprint.New("compose").Hash("img", "ABCDEF").Sum()
	lower := fingerprint.New("compose").Hash("img", "abcdef").Sum()
	require.Equal(t, upper, lower)
}

func TestSumSeparatesDomainsAndKinds(t *testing.T) {
	require.NotEqual(t,
		fingerprint.New("headshot").String("model", "m").Sum(),
		fingerprint.New("compose").String("model", "m").Sum(),
	)
	require.NotEqual(t,
		fingerprint.New("x").String("n", "1").Sum(),
		fingerprint.New("x").Int("n", 1).Sum(),
	)
	// Length prefixes keep adjacent values from running together.
	require.NotEqual(t,
		fingerprint.New("x").Strings("v", []string{"ab", "c"}).Sum(),
		fingerprint.New("x").Strings("v", []string{"a", "bc"}).Sum(),
	)
}

func TestSumFieldReplacement(t *testing.T) {
	a := fingerprint.New("x").String("model", "old").String("model", "new").Sum()
	b := fingerprint.New("x").String("model", "new").Sum()
	require.Equal(t, a, b)
}

func TestFloatFormatting(t *testing.T) {
	require.Equal(t,
		fingerprint.New("x").Float("v", 0).Sum(),
		fingerprint.New("x").Float("v", math.Copysign(0, -1)).Sum(),
	)
	require.Equal(t,
		fingerprint.New("x").Floats("ts", []float64{1, 2.5}).Sum(),
		fingerprint.New("x").Floats("ts", []float64{1.0, 2.50}).Sum(),
	)
}

func TestFileHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	digest, err := fingerprint.File(path)
	require.NoError(t, err)
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", digest)

	_, err = fingerprint.File(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestVideoModes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "episode.mp4")
	require.NoError(t, os.WriteFile(path, []byte("video-bytes"), 0o644))

	content, err := fingerprint.Video(path, fingerprint.ModeContent)
	require.NoError(t, err)
	require.Equal(t, int64(11), content.Size)
	digest, err := fingerprint.File(path)
	require.NoError(t, err)
	require.Equal(t, digest, content.Fingerprint)

	// A copy elsewhere has the same content fingerprint.
	other := filepath.Join(t.TempDir(), "renamed.mp4")
	require.NoError(t, os.WriteFile(other, []byte("video-bytes"), 0o644))
	copied, err := fingerprint.Video(other, fingerprint.ModeContent)
	require.NoError(t, err)
	require.Equal(t, content.Fingerprint, copied.Fingerprint)

	quick, err := fingerprint.Video(path, fingerprint.ModeQuick)
	require.NoError(t, err)
	require.NotEqual(t, content.Fingerprint, quick.Fingerprint)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	touched, err := fingerprint.Video(path, fingerprint.ModeQuick)
	require.NoError(t, err)
	require.NotEqual(t, quick.Fingerprint, touched.Fingerprint)

	_, err = fingerprint.Video(path, "bogus")
	require.Error(t, err)
}
