package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	kindString = "s"
	kindList   = "l"
	kindFloat  = "f"
	kindInt    = "i"
	kindBool   = "b"
	kindHash   = "h"
	kindFloats = "fl"
	kindHashes = "hl"
)

type field struct {
	name   string
	kind   string
	values []string
}

// Builder accumulates the semantic inputs of one operation. Setting a field
// name twice replaces the earlier value.
type Builder struct {
	domain string
	fields map[string]field
}

// New starts a fingerprint for the given domain (typically the stage name).
func New(domain string) *Builder {
	return &Builder{domain: canonicalText(domain), fields: make(map[string]field)}
}

// String adds a text field. Text is NFC normalized and trimmed.
func (b *Builder) String(name, value string) *Builder {
	return b.set(name, kindString, canonicalText(value))
}

// Strings adds an ordered list of text values.
func (b *Builder) Strings(name string, values []string) *Builder {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = canonicalText(v)
	}
	return b.set(name, kindList, out...)
}

// Float adds a numeric parameter using the shortest round-trip formatting.
func (b *Builder) Float(name string, value float64) *Builder {
	return b.set(name, kindFloat, formatFloat(value))
}

// Floats adds an ordered list of numeric parameters.
func (b *Builder) Floats(name string, values []float64) *Builder {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = formatFloat(v)
	}
	return b.set(name, kindFloats, out...)
}

// Int adds an integer parameter.
func (b *Builder) Int(name string, value int64) *Builder {
	return b.set(name, kindInt, strconv.FormatInt(value, 10))
}

// Bool adds a flag.
func (b *Builder) Bool(name string, value bool) *Builder {
	return b.set(name, kindBool, strconv.FormatBool(value))
}

// Hash adds a content hash. Hex digests are compared case-insensitively.
func (b *Builder) Hash(name, digest string) *Builder {
	return b.set(name, kindHash, strings.ToLower(strings.TrimSpace(digest)))
}

// Hashes adds an ordered list of content hashes.
func (b *Builder) Hashes(name string, digests []string) *Builder {
	out := make([]string, len(digests))
	for i, d := range digests {
		out[i] = strings.ToLower(strings.TrimSpace(d))
	}
	return b.set(name, kindHashes, out...)
}

// Sum returns the hex sha256 over the canonical encoding.
func (b *Builder) Sum() string {
	names := make([]string, 0, len(b.fields))
	for name := range b.fields {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	writeValue(h, b.domain)
	for _, name := range names {
		f := b.fields[name]
		writeValue(h, f.name)
		writeValue(h, f.kind)
		writeLength(h, len(f.values))
		for _, v := range f.values {
			writeValue(h, v)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Short returns the first n hex characters of a fingerprint.
func Short(fp string, n int) string {
	if n <= 0 || n >= len(fp) {
		return fp
	}
	return fp[:n]
}

func (b *Builder) set(name, kind string, values ...string) *Builder {
	name = canonicalText(name)
	b.fields[name] = field{name: name, kind: kind, values: values}
	return b
}

func writeLength(h hash.Hash, n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	_, _ = h.Write(buf[:])
}

func writeValue(h hash.Hash, value string) {
	writeLength(h, len(value))
	_, _ = h.Write([]byte(value))
}

func canonicalText(value string) string {
	return strings.TrimSpace(norm.NFC.String(value))
}

func formatFloat(v float64) string {
	if v == 0 {
		// Collapse negative zero.
		v = 0
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
