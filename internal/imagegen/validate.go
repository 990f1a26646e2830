package imagegen

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// ErrUndersized reports an image smaller than the required minimum.
var ErrUndersized = errors.New("image below minimum dimensions")

// Info describes a decoded image header.
type Info struct {
	Format string
	Width  int
	Height int
}

// Inspect decodes the image header of data (png, jpeg or webp).
func Inspect(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, errors.New("empty image")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("decode image: %w", err)
	}
	return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// CheckImage verifies data decodes and both sides are at least minDimension.
func CheckImage(data []byte, minDimension int) (Info, error) {
	info, err := Inspect(data)
	if err != nil {
		return Info{}, err
	}
	if info.Width < minDimension || info.Height < minDimension {
		return info, fmt.Errorf("%w: %dx%d < %d", ErrUndersized, info.Width, info.Height, minDimension)
	}
	return info, nil
}
