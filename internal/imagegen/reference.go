package imagegen

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"podthumb/internal/artifact"
)

// Crop padding around a face box so references include the shoulders, and
// the smallest normalized region a crop may shrink to.
const (
	FacePadding   = 0.35
	FaceMinWidth  = 0.35
	FaceMinHeight = 0.5
)

// LoadReference reads an image file for upload. With square set the image is
// center-cropped to a square and upscaled to at least minSide pixels; the
// result is always re-encoded as PNG.
func LoadReference(path string, square bool, minSide int) (Reference, error) {
	return LoadFaceReference(path, nil, square, minSide)
}

// LoadFaceReference is LoadReference restricted to the padded region around
// face. A nil face uses the whole image.
func LoadFaceReference(path string, face *artifact.BoundingBox, square bool, minSide int) (Reference, error) {
	f, err := os.Open(path)
	if err != nil {
		return Reference{}, fmt.Errorf("open reference: %w", err)
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return Reference{}, fmt.Errorf("decode reference %s: %w", path, err)
	}
	if face != nil {
		src = CropRegion(src, PadBox(*face, FacePadding, FaceMinWidth, FaceMinHeight))
	}
	if square {
		src = SquareCrop(src, minSide)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		return Reference{}, fmt.Errorf("encode reference %s: %w", path, err)
	}
	return Reference{Name: filepath.Base(path), MIMEType: "image/png", Data: buf.Bytes()}, nil
}

// SquareCrop returns the centered square of src, scaled up to minSide when
// smaller.
func SquareCrop(src image.Image, minSide int) image.Image {
	b := src.Bounds()
	side := min(b.Dx(), b.Dy())
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	crop := image.Rect(x0, y0, x0+side, y0+side)

	out := side
	if side < minSide {
		out = minSide
	}
	dst := image.NewRGBA(image.Rect(0, 0, out, out))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)
	return dst
}

// PadBox grows box by padding times its size on each side, then widens it
// around its center to at least minW by minH, clamped to the unit square.
func PadBox(box artifact.BoundingBox, padding, minW, minH float64) artifact.BoundingBox {
	padX := padding * (box.X2 - box.X1)
	padY := padding * (box.Y2 - box.Y1)
	x1, y1 := clampUnit(box.X1-padX), clampUnit(box.Y1-padY)
	x2, y2 := clampUnit(box.X2+padX), clampUnit(box.Y2+padY)

	cx, cy := (x1+x2)/2, (y1+y2)/2
	w := max(x2-x1, minW)
	h := max(y2-y1, minH)
	return artifact.BoundingBox{
		X1: clampUnit(cx - w/2),
		Y1: clampUnit(cy - h/2),
		X2: clampUnit(cx + w/2),
		Y2: clampUnit(cy + h/2),
	}
}

// CropRegion returns the part of src covered by the normalized box. A box
// that maps to no pixels returns src unchanged.
func CropRegion(src image.Image, box artifact.BoundingBox) image.Image {
	b := src.Bounds()
	rect := image.Rect(
		b.Min.X+int(box.X1*float64(b.Dx())),
		b.Min.Y+int(box.Y1*float64(b.Dy())),
		b.Min.X+int(box.X2*float64(b.Dx())),
		b.Min.Y+int(box.Y2*float64(b.Dy())),
	).Intersect(b)
	if rect.Empty() {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), src, rect.Min, draw.Src)
	return dst
}

func clampUnit(v float64) float64 {
	return min(max(v, 0), 1)
}
