package stageexec

import (
	"fmt"
	"os"
	"path/filepath"

	"podthumb/internal/cache"
	"podthumb/internal/fileutil"
	"podthumb/internal/fingerprint"
)

// Materialize copies the named cached output into the workspace at dst and
// returns dst. A file already at dst with the cached content is reused, so
// restoring the same entry twice touches nothing; any other file at dst is
// replaced.
func Materialize(entry cache.Entry, name, dst string) (string, error) {
	var output *cache.Output
	for i := range entry.Outputs {
		if entry.Outputs[i].Name == name {
			output = &entry.Outputs[i]
			break
		}
	}
	if output == nil || output.Path == "" {
		return "", fmt.Errorf("cache entry %s has no output %q", fingerprintLabel(entry.Fingerprint), name)
	}
	if matches(dst, output) {
		return dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	sum, _, err := fileutil.CopyHashed(output.Path, dst)
	if err != nil {
		return "", fmt.Errorf("materialize %s: %w", name, err)
	}
	if output.SHA256 != "" && sum != output.SHA256 {
		_ = os.Remove(dst)
		return "", fmt.Errorf("materialize %s: cached object is corrupt", name)
	}
	return dst, nil
}

func matches(path string, output *cache.Output) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() != output.Size {
		return false
	}
	if output.SHA256 == "" {
		return true
	}
	sum, err := fingerprint.File(path)
	return err == nil && sum == output.SHA256
}
