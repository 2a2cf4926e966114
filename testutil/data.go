package testutil

import "github.com/c360/cellmate/envelope"

// UniformPixels returns a w*h*bpp buffer with every byte set to value.
func UniformPixels(w, h, bpp int, value byte) []byte {
	pixels := make([]byte, w*h*bpp)
	for i := range pixels {
		pixels[i] = value
	}
	return pixels
}

// GradientPixels returns a w*h greyscale buffer rising left to right.
func GradientPixels(w, h int) []byte {
	pixels := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pixels[y*w+x] = byte(x * 255 / max(w-1, 1))
		}
	}
	return pixels
}

// CenteredIntrinsics returns a calibration with a 500px focal length and
// the principal point in the middle of a w*h frame.
func CenteredIntrinsics(w, h int) envelope.Intrinsics {
	return envelope.Intrinsics{
		Fx: 500,
		Fy: 500,
		Cx: float64(w) / 2,
		Cy: float64(h) / 2,
	}
}
