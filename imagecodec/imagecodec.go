// Package imagecodec turns raw camera pixel buffers into JPEG bytes and back.
package imagecodec

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"strings"

	errs "github.com/c360/cellmate/errors"
)

// PixelFormat describes the memory layout of a raw pixel buffer.
type PixelFormat int

const (
	// Gray8 is one byte of luminance per pixel.
	Gray8 PixelFormat = iota
	// RGB24 is three bytes per pixel, red first.
	RGB24
	// RGBA32 is four bytes per pixel, red first, alpha ignored.
	RGBA32
)

// DefaultQuality matches the encoder defaults of common camera pipelines.
const DefaultQuality = 95

// jpeg cannot encode dimensions of 1<<16 or larger.
const maxDimension = 1<<16 - 1

// BytesPerPixel returns the size of one pixel, or 0 for an unknown format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case Gray8:
		return 1
	case RGB24:
		return 3
	case RGBA32:
		return 4
	default:
		return 0
	}
}

// String returns the configuration name of the format.
func (f PixelFormat) String() string {
	switch f {
	case Gray8:
		return "gray8"
	case RGB24:
		return "rgb24"
	case RGBA32:
		return "rgba32"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// ParsePixelFormat maps a configuration name to a PixelFormat.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gray8", "gray", "grey":
		return Gray8, nil
	case "rgb24", "rgb":
		return RGB24, nil
	case "rgba32", "rgba":
		return RGBA32, nil
	default:
		return Gray8, fmt.Errorf("unknown pixel format %q", s)
	}
}

type options struct {
	quality int
}

// Option configures Encode.
type Option func(*options)

// WithQuality sets the JPEG quality in [1, 100]. Out of range values are clamped.
func WithQuality(q int) Option {
	return func(o *options) {
		if q < 1 {
			q = 1
		}
		if q > 100 {
			q = 100
		}
		o.quality = q
	}
}

// Encode compresses pixels to JPEG. The buffer must hold exactly
// width*height*format.BytesPerPixel() bytes, otherwise the result is
// ErrInvalidImageBuffer. pixels is never modified.
func Encode(pixels []byte, width, height int, format PixelFormat, opts ...Option) ([]byte, error) {
	o := options{quality: DefaultQuality}
	for _, opt := range opts {
		opt(&o)
	}

	img, err := toImage(pixels, width, height, format)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: o.quality}); err != nil {
		return nil, errs.Wrap(err, "imagecodec", "Encode", "jpeg encode")
	}
	return buf.Bytes(), nil
}

// Decode parses JPEG bytes into a greyscale image.
func Decode(data []byte) (*image.Gray, error) {
	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errs.WrapInvalid(err, "imagecodec", "Decode", "jpeg decode")
	}
	return ToGray(src), nil
}

// ToGray converts any image to an 8-bit greyscale image anchored at the origin.
func ToGray(src image.Image) *image.Gray {
	if g, ok := src.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func toImage(pixels []byte, width, height int, format PixelFormat) (image.Image, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, invalid("unsupported pixel format %v", format)
	}
	if width <= 0 || height <= 0 || width > maxDimension || height > maxDimension {
		return nil, invalid("bad dimensions %dx%d", width, height)
	}
	if want := width * height * bpp; len(pixels) != want {
		return nil, invalid("%dx%d %v needs %d bytes, got %d", width, height, format, want, len(pixels))
	}

	rect := image.Rect(0, 0, width, height)
	switch format {
	case Gray8:
		// jpeg.Encode only reads Pix, so the caller's buffer can back the image.
		return &image.Gray{Pix: pixels, Stride: width, Rect: rect}, nil
	case RGBA32:
		img := image.NewRGBA(rect)
		copy(img.Pix, pixels)
		for i := 3; i < len(img.Pix); i += 4 {
			img.Pix[i] = 0xff
		}
		return img, nil
	default:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i < len(pixels); i, j = i+3, j+4 {
			img.Pix[j] = pixels[i]
			img.Pix[j+1] = pixels[i+1]
			img.Pix[j+2] = pixels[i+2]
			img.Pix[j+3] = 0xff
		}
		return img, nil
	}
}

// GrayPixels returns the tightly packed Gray8 buffer of img.
func GrayPixels(img image.Image) (pixels []byte, width, height int) {
	g := ToGray(img)
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if g.Stride == w {
		return g.Pix[:w*h], w, h
	}
	out := make([]byte, 0, w*h)
	for y := 0; y < h; y++ {
		out = append(out, g.Pix[y*g.Stride:y*g.Stride+w]...)
	}
	return out, w, h
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.ErrInvalidImageBuffer, fmt.Sprintf(format, args...))
}
