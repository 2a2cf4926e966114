package envelope

import (
	"fmt"
	"strconv"

	errs "github.com/c360/cellmate/errors"
)

// ErrMalformed is returned when an envelope does not have the image request shape.
var ErrMalformed = fmt.Errorf("malformed image request: %w", errs.ErrInvalidData)

// ParseImageRequest decodes a nine part image request. When the correlation
// id part is present it is returned alongside any error so the caller can
// still answer on the reply topic.
func ParseImageRequest(env Envelope) (ImageRequest, error) {
	var req ImageRequest

	if len(env.Parts) > IndexCorrelationID {
		req.CorrelationID = string(env.Parts[IndexCorrelationID].Data)
	}
	if len(env.Parts) != ImageRequestParts {
		return req, malformed("expected %d parts, got %d", ImageRequestParts, len(env.Parts))
	}
	if req.CorrelationID == "" {
		return req, malformed("empty correlation id")
	}

	req.Header = string(env.Parts[IndexHeader].Data)
	req.Image = env.Parts[IndexImage].Data
	if len(req.Image) == 0 {
		return req, malformed("empty image")
	}

	var err error
	if req.Width, err = parseInt(env, IndexWidth, "width"); err != nil {
		return req, err
	}
	if req.Height, err = parseInt(env, IndexHeight, "height"); err != nil {
		return req, err
	}

	floats := []struct {
		idx  int
		name string
		dst  *float64
	}{
		{IndexFx, "fx", &req.Fx},
		{IndexFy, "fy", &req.Fy},
		{IndexCx, "cx", &req.Cx},
		{IndexCy, "cy", &req.Cy},
	}
	for _, f := range floats {
		v, perr := strconv.ParseFloat(string(env.Parts[f.idx].Data), 64)
		if perr != nil {
			return req, malformed("%s: %v", f.name, perr)
		}
		*f.dst = v
	}

	return req, nil
}

func parseInt(env Envelope, idx int, name string) (int, error) {
	v, err := strconv.Atoi(string(env.Parts[idx].Data))
	if err != nil {
		return 0, malformed("%s: %v", name, err)
	}
	if v <= 0 {
		return 0, malformed("%s must be positive, got %d", name, v)
	}
	return v, nil
}

func malformed(format string, args ...any) error {
	cause := fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
	return errs.WrapInvalid(cause, "envelope", "ParseImageRequest", "decode parts")
}
