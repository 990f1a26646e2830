package speakers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"podthumb/internal/artifact"
)

// Hint overrides what clustering inferred about one speaker. Match is a
// speaker label (speaker_2) or ID (spk_...).
type Hint struct {
	Match    string        `yaml:"match" json:"match"`
	Name     string        `yaml:"name,omitempty" json:"name,omitempty"`
	Role     artifact.Role `yaml:"role,omitempty" json:"role,omitempty"`
	Required bool          `yaml:"required,omitempty" json:"required,omitempty"`
}

// Hints is the caller supplied speaker guidance. When Only is set the
// pipeline uses just the hinted speakers.
type Hints struct {
	Only     bool   `yaml:"only,omitempty" json:"only,omitempty"`
	Speakers []Hint `yaml:"speakers" json:"speakers"`
}

// Empty reports whether no hint is present.
func (h Hints) Empty() bool {
	return len(h.Speakers) == 0
}

// LoadHints reads a YAML hints file. An empty path yields empty hints.
func LoadHints(path string) (Hints, error) {
	if strings.TrimSpace(path) == "" {
		return Hints{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Hints{}, fmt.Errorf("read hints: %w", err)
	}
	return ParseHints(data)
}

// ParseHints decodes and validates YAML hints.
func ParseHints(data []byte) (Hints, error) {
	var hints Hints
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&hints); err != nil && !errors.Is(err, io.EOF) {
		return Hints{}, fmt.Errorf("parse hints: %w", err)
	}
	if err := hints.Validate(); err != nil {
		return Hints{}, err
	}
	return hints, nil
}

// Validate checks that every hint names a speaker once with a known role.
func (h Hints) Validate() error {
	seen := make(map[string]bool, len(h.Speakers))
	for i, hint := range h.Speakers {
		match := strings.TrimSpace(hint.Match)
		if match == "" {
			return fmt.Errorf("hint %d: match is required", i+1)
		}
		if seen[match] {
			return fmt.Errorf("hint %d: duplicate match %q", i+1, match)
		}
		seen[match] = true
		switch hint.Role {
		case "", artifact.RoleHost, artifact.RoleGuest, artifact.RoleUnknown:
		default:
			return fmt.Errorf("hint %d: unknown role %q", i+1, hint.Role)
		}
	}
	return nil
}

// Apply returns a copy of speakers with hinted names and roles applied, and
// the matches that named no speaker.
func (h Hints) Apply(speakers []artifact.SpeakerIdentity) ([]artifact.SpeakerIdentity, []string) {
	out := slices.Clone(speakers)
	var unmatched []string
	for _, hint := range h.Speakers {
		idx := indexOf(out, hint.Match)
		if idx < 0 {
			unmatched = append(unmatched, strings.TrimSpace(hint.Match))
			continue
		}
		if name := strings.TrimSpace(hint.Name); name != "" {
			out[idx].Name = name
		}
		if hint.Role != "" {
			out[idx].Role = hint.Role
			out[idx].RoleSource = artifact.RoleSourceHint
		}
	}
	return out, unmatched
}

// Selection is the set of speakers to generate headshots for.
type Selection struct {
	Speakers []artifact.SpeakerIdentity
	// Required lists speaker IDs whose headshots must succeed.
	Required []string
	// Missing lists required matches that named no speaker.
	Missing []string
}

// Select picks at most max speakers, host first then label order. Required
// speakers are kept ahead of optional ones when the cap applies.
func (h Hints) Select(speakers []artifact.SpeakerIdentity, max int) Selection {
	var sel Selection
	required := make(map[string]bool)
	hinted := make(map[string]bool)
	for _, hint := range h.Speakers {
		idx := indexOf(speakers, hint.Match)
		if idx < 0 {
			if hint.Required {
				sel.Missing = append(sel.Missing, strings.TrimSpace(hint.Match))
			}
			continue
		}
		hinted[speakers[idx].ID] = true
		if hint.Required {
			required[speakers[idx].ID] = true
		}
	}

	pool := make([]artifact.SpeakerIdentity, 0, len(speakers))
	for _, s := range speakers {
		if h.Only && !h.Empty() && !hinted[s.ID] {
			continue
		}
		pool = append(pool, s)
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if ri, rj := required[pool[i].ID], required[pool[j].ID]; ri != rj {
			return ri
		}
		return hostFirst(pool[i], pool[j])
	})
	if max > 0 && len(pool) > max {
		pool = pool[:max]
	}
	sort.SliceStable(pool, func(i, j int) bool { return hostFirst(pool[i], pool[j]) })

	sel.Speakers = pool
	for _, s := range pool {
		if required[s.ID] {
			sel.Required = append(sel.Required, s.ID)
		}
	}
	for id := range required {
		if !slices.Contains(sel.Required, id) {
			sel.Missing = append(sel.Missing, id)
		}
	}
	sort.Strings(sel.Missing)
	return sel
}

func hostFirst(a, b artifact.SpeakerIdentity) bool {
	if ah, bh := a.Role == artifact.RoleHost, b.Role == artifact.RoleHost; ah != bh {
		return ah
	}
	return labelOrdinal(a.Label) < labelOrdinal(b.Label)
}

func labelOrdinal(label string) int {
	var n int
	if _, err := fmt.Sscanf(label, "speaker_%d", &n); err != nil {
		return int(^uint(0) >> 1)
	}
	return n
}

func indexOf(speakers []artifact.SpeakerIdentity, ref string) int {
	ref = strings.TrimSpace(ref)
	for i, s := range speakers {
		if s.ID == ref || s.Label == ref {
			return i
		}
	}
	return -1
}
