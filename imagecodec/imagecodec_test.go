package imagecodec

import (
	"bytes"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/c360/cellmate/errors"
)

func TestEncode_ValidBuffers(t *testing.T) {
	tests := []struct {
		name   string
		width  int
		height int
		format PixelFormat
	}{
		{"gray 4x2", 4, 2, Gray8},
		{"gray 1x1", 1, 1, Gray8},
		{"rgb 16x9", 16, 9, RGB24},
		{"rgba 3x5", 3, 5, RGBA32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pixels := make([]byte, tt.width*tt.height*tt.format.BytesPerPixel())
			for i := range pixels {
				pixels[i] = byte(i * 7)
			}
			original := bytes.Clone(pixels)

			out, err := Encode(pixels, tt.width, tt.height, tt.format)
			require.NoError(t, err)
			require.NotEmpty(t, out)
			assert.Equal(t, []byte{0xff, 0xd8}, out[:2], "JPEG SOI marker")
			assert.Equal(t, original, pixels, "input buffer must not change")
		})
	}
}

func TestEncode_Deterministic(t *testing.T) {
	pixels := make([]byte, 8)
	a, err := Encode(pixels, 4, 2, Gray8)
	require.NoError(t, err)
	b, err := Encode(pixels, 4, 2, Gray8)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncode_InvalidBuffer(t *testing.T) {
	tests := []struct {
		name   string
		pixels []byte
		width  int
		height int
		format PixelFormat
	}{
		{"short", make([]byte, 7), 4, 2, Gray8},
		{"long", make([]byte, 9), 4, 2, Gray8},
		{"rgb sized as gray", make([]byte, 8), 4, 2, RGB24},
		{"zero width", nil, 0, 2, Gray8},
		{"negative height", make([]byte, 4), 4, -1, Gray8},
		{"too wide", make([]byte, 1<<16), 1 << 16, 1, Gray8},
		{"unknown format", make([]byte, 8), 4, 2, PixelFormat(42)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Encode(tt.pixels, tt.width, tt.height, tt.format)
			assert.Nil(t, out)
			assert.ErrorIs(t, err, errs.ErrInvalidImageBuffer)
			assert.True(t, errs.IsInvalid(err))
		})
	}
}

func TestEncode_Quality(t *testing.T) {
	pixels := make([]byte, 64*64)
	for i := range pixels {
		pixels[i] = byte(i ^ (i >> 6))
	}
	low, err := Encode(pixels, 64, 64, Gray8, WithQuality(5))
	require.NoError(t, err)
	high, err := Encode(pixels, 64, 64, Gray8, WithQuality(100))
	require.NoError(t, err)
	assert.Less(t, len(low), len(high))

	// Clamped rather than rejected
	_, err = Encode(pixels, 64, 64, Gray8, WithQuality(500))
	assert.NoError(t, err)
}

func TestDecode_RoundTrip(t *testing.T) {
	pixels := bytes.Repeat([]byte{128}, 4*2)
	data, err := Encode(pixels, 4, 2, Gray8)
	require.NoError(t, err)

	img, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())
	assert.InDelta(t, 128, int(img.GrayAt(1, 1).Y), 4)
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte("not a jpeg"))
	require.Error(t, err)
	assert.True(t, errs.IsInvalid(err))
}

func TestGrayPixels_SubImage(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range src.Pix {
		src.Pix[i] = byte(i)
	}
	sub := src.SubImage(image.Rect(1, 1, 3, 3))

	pixels, w, h := GrayPixels(sub)
	assert.Equal(t, 2, w)
	assert.Equal(t, 2, h)
	assert.Equal(t, []byte{5, 6, 9, 10}, pixels)
}

func TestParsePixelFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    PixelFormat
		wantErr bool
	}{
		{"", Gray8, false},
		{"gray8", Gray8, false},
		{"RGB24", RGB24, false},
		{"rgba", RGBA32, false},
		{"yuv420", Gray8, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePixelFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got.String(), mustParse(t, got.String()).String())
		})
	}
}

func mustParse(t *testing.T, s string) PixelFormat {
	t.Helper()
	f, err := ParsePixelFormat(s)
	require.NoError(t, err)
	return f
}
