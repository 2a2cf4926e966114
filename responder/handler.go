package responder

import (
	"context"
	"fmt"

	"github.com/c360/cellmate/envelope"
	"github.com/c360/cellmate/imagecodec"
)

// DecodeHandler returns a Handler that decodes the JPEG as greyscale, checks
// it against the declared size and describes it in the reply.
func DecodeHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req envelope.ImageRequest) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		img, err := imagecodec.Decode(req.Image)
		if err != nil {
			return "", err
		}
		pixels, w, h := imagecodec.GrayPixels(img)
		if w != req.Width || h != req.Height {
			return "", fmt.Errorf("image is %dx%d, header says %dx%d", w, h, req.Width, req.Height)
		}

		var sum uint64
		for _, p := range pixels {
			sum += uint64(p)
		}
		mean := float64(sum) / float64(len(pixels))

		return fmt.Sprintf("%dx%d mean=%.1f fx=%s fy=%s cx=%s cy=%s", w, h, mean,
			envelope.FormatFloat(req.Fx), envelope.FormatFloat(req.Fy),
			envelope.FormatFloat(req.Cx), envelope.FormatFloat(req.Cy)), nil
	})
}
