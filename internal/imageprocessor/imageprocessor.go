// Package imageprocessor turns uploaded image bytes into the fixed-size,
// normalized tensor the classifier expects.
package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// Size is the spatial resolution of every tensor, in pixels per side.
	Size = 256
	// Channels is the number of color channels kept after decoding.
	Channels = 3
	// MaxPixels bounds the source image area accepted for decoding.
	MaxPixels = 64 << 20
)

// ErrInvalidImage is returned when the input cannot be decoded or resized.
var ErrInvalidImage = errors.New("invalid image")

// Tensor is a normalized image in row-major height, width, channel order.
// Every value lies in [0,1].
type Tensor struct {
	Height   int
	Width    int
	Channels int
	Data     []float32
}

// At returns the value of channel c at pixel (x, y).
func (t *Tensor) At(y, x, c int) float32 {
	return t.Data[(y*t.Width+x)*t.Channels+c]
}

// Decode decodes data as a raster image, drops alpha, resizes it to
// Size x Size with bilinear interpolation and scales channels to [0,1].
func Decode(data []byte) (*Tensor, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidImage)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty dimensions %dx%d", ErrInvalidImage, cfg.Width, cfg.Height)
	}
	if cfg.Width*cfg.Height > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidImage, cfg.Width, cfg.Height, MaxPixels)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if src.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty bounds", ErrInvalidImage)
	}

	return FromImage(src), nil
}

// FromImage resizes and normalizes an already decoded image.
func FromImage(src image.Image) *Tensor {
	opaque := toOpaqueRGB(src)
	dst := image.NewRGBA(image.Rect(0, 0, Size, Size))
	draw.BiLinear.Scale(dst, dst.Bounds(), opaque, opaque.Bounds(), draw.Src, nil)

	t := &Tensor{
		Height:   Size,
		Width:    Size,
		Channels: Channels,
		Data:     make([]float32, Size*Size*Channels),
	}
	i := 0
	for y := 0; y < Size; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+Size*4]
		for x := 0; x < Size; x++ {
			px := row[x*4 : x*4+4]
			t.Data[i] = float32(px[0]) / 255
			t.Data[i+1] = float32(px[1]) / 255
			t.Data[i+2] = float32(px[2]) / 255
			i += Channels
		}
	}
	return t
}

// toOpaqueRGB keeps each pixel's stored (non-premultiplied) RGB and forces
// alpha to 255, so transparent pixels keep their color through resampling.
func toOpaqueRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			i := out.PixOffset(x-b.Min.X, y-b.Min.Y)
			out.Pix[i] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			out.Pix[i+3] = 0xff
		}
	}
	return out
}
