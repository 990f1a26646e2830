package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNoSpeakers reports that clustering produced no speaker.
	ErrNoSpeakers = errors.New("no speakers identified")

	// ErrWorkspaceBusy reports another run holding the workspace lock.
	ErrWorkspaceBusy = errors.New("workspace is in use by another podthumb run")
)

// PartialFailureError reports a headshot stage that did not produce enough
// headshots to compose a thumbnail. Succeeded and Missing hold speaker labels
// (or the unmatched hint for required speakers that were never identified).
type PartialFailureError struct {
	Succeeded []string
	Missing   []string
	Failures  map[string]error
	Reason    string
}

func (e *PartialFailureError) Error() string {
	var b strings.Builder
	b.WriteString("partial failure")
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.Succeeded) > 0 {
		fmt.Fprintf(&b, "; succeeded: %s", strings.Join(e.Succeeded, ", "))
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, "; missing: %s", strings.Join(e.Missing, ", "))
	}
	return b.String()
}

// Unwrap exposes the per-speaker causes in label order.
func (e *PartialFailureError) Unwrap() []error {
	if len(e.Failures) == 0 {
		return nil
	}
	labels := make([]string, 0, len(e.Failures))
	for label := range e.Failures {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	out := make([]error, 0, len(labels))
	for _, label := range labels {
		out = append(out, e.Failures[label])
	}
	return out
}

// AsPartialFailure extracts a *PartialFailureError from err.
func AsPartialFailure(err error) (*PartialFailureError, bool) {
	var pf *PartialFailureError
	if errors.As(err, &pf) {
		return pf, true
	}
	return nil, false
}
