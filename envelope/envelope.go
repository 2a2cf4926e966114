// Package envelope builds and parses the ordered, typed multi-part messages
// exchanged over the pub/sub transport.
//
// An image request is always nine parts in this order:
//
//	[header][correlation id][image][width][height][fx][fy][cx][cy]
//
// The receiving side indexes parts positionally, so the order is fixed here
// and nowhere else. Scalars travel as UTF-8 decimal text.
package envelope

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultHeader identifies image requests on the wire.
const DefaultHeader = "Cellmate Image"

// ImageRequestParts is the number of parts in an image request.
const ImageRequestParts = 9

// Positional indexes of the image request parts.
const (
	IndexHeader = iota
	IndexCorrelationID
	IndexImage
	IndexWidth
	IndexHeight
	IndexFx
	IndexFy
	IndexCx
	IndexCy
)

// PartType is the four byte type tag carried by every part.
type PartType [4]byte

// DefaultPartType is the opaque payload tag used for every part.
var DefaultPartType = PartType{64, 0, 0, 0}

// String renders the tag in dotted form, e.g. "64.0.0.0".
func (t PartType) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", t[0], t[1], t[2], t[3])
}

// Part is one typed payload of an envelope.
type Part struct {
	Type PartType
	Data []byte
}

// Envelope is an ordered sequence of parts.
type Envelope struct {
	Parts []Part
}

// Len returns the number of parts.
func (e Envelope) Len() int {
	return len(e.Parts)
}

// Append adds a part tagged with DefaultPartType.
func (e *Envelope) Append(data []byte) {
	e.Parts = append(e.Parts, Part{Type: DefaultPartType, Data: data})
}

// Intrinsics holds the pinhole camera calibration sent with every image.
type Intrinsics struct {
	Fx float64 `json:"fx" yaml:"fx"`
	Fy float64 `json:"fy" yaml:"fy"`
	Cx float64 `json:"cx" yaml:"cx"`
	Cy float64 `json:"cy" yaml:"cy"`
}

// ImageRequest is the decoded content of an image request envelope.
type ImageRequest struct {
	Header        string
	CorrelationID string
	Image         []byte
	Width         int
	Height        int
	Intrinsics
}

// Build assembles the nine part envelope for req. It never fails.
func Build(req ImageRequest) Envelope {
	header := req.Header
	if header == "" {
		header = DefaultHeader
	}

	env := Envelope{Parts: make([]Part, 0, ImageRequestParts)}
	env.Append([]byte(header))
	env.Append([]byte(req.CorrelationID))
	env.Append(req.Image)
	env.Append([]byte(strconv.Itoa(req.Width)))
	env.Append([]byte(strconv.Itoa(req.Height)))
	env.Append([]byte(FormatFloat(req.Fx)))
	env.Append([]byte(FormatFloat(req.Fy)))
	env.Append([]byte(FormatFloat(req.Cx)))
	env.Append([]byte(FormatFloat(req.Cy)))
	return env
}

// Text builds a single part envelope carrying s, the shape of a reply.
func Text(s string) Envelope {
	env := Envelope{}
	env.Append([]byte(s))
	return env
}

// FirstText decodes the first part as UTF-8, replacing invalid sequences
// with U+FFFD. ok is false when the envelope has no parts.
func FirstText(env Envelope) (text string, ok bool) {
	if len(env.Parts) == 0 {
		return "", false
	}
	data := env.Parts[0].Data
	if utf8.Valid(data) {
		return string(data), true
	}
	return strings.ToValidUTF8(string(data), "�"), true
}

// FormatFloat renders f as the shortest decimal that round-trips, keeping a
// trailing ".0" on integral values (500 -> "500.0").
func FormatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
