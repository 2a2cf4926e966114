package envelope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/c360/cellmate/errors"
)

func sampleRequest() ImageRequest {
	return ImageRequest{
		CorrelationID: "3f2a9c1e-77",
		Image:         []byte{0xff, 0xd8, 0xff, 0xd9},
		Width:         4,
		Height:        2,
		Intrinsics:    Intrinsics{Fx: 500.0, Fy: 500.0, Cx: 2.0, Cy: 1.0},
	}
}

func TestBuild_PositionalOrder(t *testing.T) {
	env := Build(sampleRequest())

	require.Equal(t, ImageRequestParts, env.Len())
	want := []string{
		DefaultHeader,
		"3f2a9c1e-77",
		string([]byte{0xff, 0xd8, 0xff, 0xd9}),
		"4",
		"2",
		"500.0",
		"500.0",
		"2.0",
		"1.0",
	}
	for i, w := range want {
		assert.Equal(t, w, string(env.Parts[i].Data), "part %d", i)
		assert.Equal(t, DefaultPartType, env.Parts[i].Type, "part %d type", i)
	}
}

func TestBuild_CustomHeader(t *testing.T) {
	req := sampleRequest()
	req.Header = "Other"
	env := Build(req)
	assert.Equal(t, "Other", string(env.Parts[IndexHeader].Data))
}

func TestPartType_String(t *testing.T) {
	assert.Equal(t, "64.0.0.0", DefaultPartType.String())
}

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{500, "500.0"},
		{2, "2.0"},
		{0, "0.0"},
		{-1, "-1.0"},
		{0.5, "0.5"},
		{319.5, "319.5"},
		{1234.5678, "1234.5678"},
		{0.1, "0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatFloat(tt.in))
		})
	}
}

func TestParseImageRequest(t *testing.T) {
	req := sampleRequest()
	got, err := ParseImageRequest(Build(req))
	require.NoError(t, err)

	assert.Equal(t, DefaultHeader, got.Header)
	assert.Equal(t, req.CorrelationID, got.CorrelationID)
	assert.Equal(t, req.Image, got.Image)
	assert.Equal(t, 4, got.Width)
	assert.Equal(t, 2, got.Height)
	assert.Equal(t, req.Intrinsics, got.Intrinsics)
}

func TestParseImageRequest_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(env *Envelope)
		wantID string
	}{
		{
			name:   "too few parts",
			mutate: func(env *Envelope) { env.Parts = env.Parts[:5] },
			wantID: "3f2a9c1e-77",
		},
		{
			name:   "no parts",
			mutate: func(env *Envelope) { env.Parts = nil },
			wantID: "",
		},
		{
			name:   "extra part",
			mutate: func(env *Envelope) { env.Append([]byte("x")) },
			wantID: "3f2a9c1e-77",
		},
		{
			name:   "empty identity",
			mutate: func(env *Envelope) { env.Parts[IndexCorrelationID].Data = nil },
			wantID: "",
		},
		{
			name:   "empty image",
			mutate: func(env *Envelope) { env.Parts[IndexImage].Data = nil },
			wantID: "3f2a9c1e-77",
		},
		{
			name:   "bad width",
			mutate: func(env *Envelope) { env.Parts[IndexWidth].Data = []byte("four") },
			wantID: "3f2a9c1e-77",
		},
		{
			name:   "zero height",
			mutate: func(env *Envelope) { env.Parts[IndexHeight].Data = []byte("0") },
			wantID: "3f2a9c1e-77",
		},
		{
			name:   "bad cy",
			mutate: func(env *Envelope) { env.Parts[IndexCy].Data = []byte("1,0") },
			wantID: "3f2a9c1e-77",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Build(sampleRequest())
			tt.mutate(&env)

			got, err := ParseImageRequest(env)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
			assert.True(t, errs.IsInvalid(err))
			assert.Equal(t, tt.wantID, got.CorrelationID)
		})
	}
}

func TestFirstText(t *testing.T) {
	text, ok := FirstText(Text("accepted"))
	assert.True(t, ok)
	assert.Equal(t, "accepted", text)

	_, ok = FirstText(Envelope{})
	assert.False(t, ok)

	env := Envelope{}
	env.Append([]byte{'o', 'k', 0xff})
	env.Append([]byte("ignored"))
	text, ok = FirstText(env)
	assert.True(t, ok)
	assert.Equal(t, "ok�", text)
}
