// Package imagegen defines the generative image capability consumed by the
// headshot and composition stages, plus helpers to prepare reference images
// and validate generated output.
package imagegen

import (
	"context"
	"fmt"
	"strings"
)

// Reference is one input image sent to the model.
type Reference struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Request describes one generation call.
type Request struct {
	Model       string
	Prompt      string
	References  []Reference
	AspectRatio string
	ImageSize   string
	NumImages   int
}

// Image is one generated image.
type Image struct {
	MIMEType string
	Data     []byte
}

// Generator produces images from a prompt and references. Implementations
// mark rate limits and timeouts with services.ErrTransient or
// services.ErrTimeout so callers can retry them.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]Image, error)
}

// Extension maps a MIME type to a file extension.
func Extension(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// Validate checks the request before it is sent.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("imagegen: model is required")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("imagegen: prompt is required")
	}
	if len(r.References) == 0 {
		return fmt.Errorf("imagegen: at least one reference image is required")
	}
	for i, ref := range r.References {
		if len(ref.Data) == 0 {
			return fmt.Errorf("imagegen: reference %d (%s) is empty", i, ref.Name)
		}
	}
	return nil
}
