// Package bitmap holds the 1-bit raster a printer job consumes.
package bitmap

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Fixed printer raster geometry.
const (
	Width  = 384
	Stride = Width / 8
)

// MonoBitmap is a packed 1-bit image Width pixels wide. Rows are MSB-first:
// bit 7 of a row's first byte is the leftmost pixel, and 1 is black.
type MonoBitmap struct {
	height int
	data   []byte
}

// New returns an all-white bitmap of height rows.
func New(height int) *MonoBitmap {
	if height < 0 {
		height = 0
	}
	return &MonoBitmap{height: height, data: make([]byte, height*Stride)}
}

// FromBytes wraps already packed rows. len(data) must be a multiple of Stride.
func FromBytes(data []byte) (*MonoBitmap, error) {
	if len(data)%Stride != 0 {
		return nil, fmt.Errorf("bitmap: %d bytes is not a whole number of %d-byte rows", len(data), Stride)
	}
	return &MonoBitmap{height: len(data) / Stride, data: data}, nil
}

// Height returns the number of rows.
func (b *MonoBitmap) Height() int { return b.height }

// Row returns row y, aliasing the bitmap's storage.
func (b *MonoBitmap) Row(y int) []byte {
	return b.data[y*Stride : (y+1)*Stride]
}

// Bytes returns the packed rows.
func (b *MonoBitmap) Bytes() []byte { return b.data }

// Set paints pixel (x, y) black or white. Out of range pixels are ignored.
func (b *MonoBitmap) Set(x, y int, black bool) {
	if x < 0 || x >= Width || y < 0 || y >= b.height {
		return
	}
	i, mask := y*Stride+x/8, byte(0x80)>>(x%8)
	if black {
		b.data[i] |= mask
	} else {
		b.data[i] &^= mask
	}
}

// Black reports whether pixel (x, y) is black.
func (b *MonoBitmap) Black(x, y int) bool {
	if x < 0 || x >= Width || y < 0 || y >= b.height {
		return false
	}
	return b.data[y*Stride+x/8]&(0x80>>(x%8)) != 0
}

// FromImage thresholds img into a bitmap. Images wider than Width are scaled
// down to fit with nearest-neighbour sampling; narrower ones are left
// aligned. Pixels darker than threshold become black, and transparent
// pixels stay white.
func FromImage(img image.Image, threshold uint8) *MonoBitmap {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return New(0)
	}

	scale := 1.0
	if srcW > Width {
		scale = float64(Width) / float64(srcW)
	}
	dstW := int(float64(srcW) * scale)
	dstH := int(float64(srcH) * scale)

	b := New(dstH)
	for y := 0; y < dstH; y++ {
		srcY := min(int(float64(y)/scale), srcH-1)
		for x := 0; x < dstW; x++ {
			srcX := min(int(float64(x)/scale), srcW-1)
			c := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY)
			if dark(c, threshold) {
				b.Set(x, y, true)
			}
		}
	}
	return b
}

func dark(c color.Color, threshold uint8) bool {
	r, g, bl, a := c.RGBA()
	if a < 0x8000 {
		return false
	}
	// Luma from 16-bit channels, scaled back to 8 bits.
	gray := (299*r + 587*g + 114*bl) / 1000 >> 8
	return uint8(gray) < threshold
}

// Load decodes an image file (png, jpeg, gif, bmp or webp) and thresholds it.
// It expects an already processed, high contrast image.
func Load(path string, threshold uint8) (*MonoBitmap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bitmap: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("bitmap: decode %s: %w", path, err)
	}
	b := FromImage(img, threshold)
	if b.Height() == 0 {
		return nil, fmt.Errorf("bitmap: %s image %s is empty", format, path)
	}
	return b, nil
}
