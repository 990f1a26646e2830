package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"podthumb/internal/artifact"
)

// Video fingerprint modes.
const (
	ModeContent = "content"
	ModeQuick   = "quick"
)

// File returns the hex sha256 of the file's bytes.
func File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Files hashes each path in order.
func Files(paths []string) ([]string, error) {
	out := make([]string, len(paths))
	for i, path := range paths {
		digest, err := File(path)
		if err != nil {
			return nil, err
		}
		out[i] = digest
	}
	return out, nil
}

// Video builds a VideoRef. ModeContent hashes every byte; ModeQuick hashes
// size and modification time, which is fast but misses in-place rewrites
// that preserve both.
func Video(path, mode string) (artifact.VideoRef, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return artifact.VideoRef{}, fmt.Errorf("resolve video path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return artifact.VideoRef{}, fmt.Errorf("stat video: %w", err)
	}
	if info.IsDir() {
		return artifact.VideoRef{}, fmt.Errorf("video %s is a directory", abs)
	}

	var digest string
	switch mode {
	case ModeQuick:
		digest = New("video-quick").
			Int("size", info.Size()).
			String("mtime", strconv.FormatInt(info.ModTime().UnixNano(), 10)).
			Sum()
	case ModeContent, "":
		digest, err = File(abs)
		if err != nil {
			return artifact.VideoRef{}, err
		}
	default:
		return artifact.VideoRef{}, fmt.Errorf("unsupported fingerprint mode %q", mode)
	}
	return artifact.VideoRef{Path: abs, Fingerprint: digest, Size: info.Size()}, nil
}
