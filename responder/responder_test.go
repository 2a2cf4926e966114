package responder

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cellmate/envelope"
	errs "github.com/c360/cellmate/errors"
	"github.com/c360/cellmate/imagecodec"
	"github.com/c360/cellmate/imagetask"
	"github.com/c360/cellmate/metric"
	"github.com/c360/cellmate/testutil"
	"github.com/c360/cellmate/transport"
	"github.com/c360/cellmate/transport/memtransport"
)

const topic = "scene/img"

func request(t *testing.T, id string) envelope.ImageRequest {
	t.Helper()
	jpeg, err := imagecodec.Encode(testutil.UniformPixels(8, 6, 1, 128), 8, 6, imagecodec.Gray8)
	require.NoError(t, err)
	return envelope.ImageRequest{
		CorrelationID: id,
		Image:         jpeg,
		Width:         8,
		Height:        6,
		Intrinsics:    envelope.Intrinsics{Fx: 500, Fy: 500, Cx: 4, Cy: 3},
	}
}

func echo(text string) Handler {
	return HandlerFunc(func(context.Context, envelope.ImageRequest) (string, error) {
		return text, nil
	})
}

func startResponder(t *testing.T, mock *testutil.MockTransport, h Handler, opts ...Option) *Responder {
	t.Helper()
	r := New(mock, topic, h, opts...)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(time.Second) })
	return r
}

func replies(mock *testutil.MockTransport) map[string]string {
	out := make(map[string]string)
	for _, p := range mock.Published() {
		text, _ := envelope.FirstText(p.Envelope)
		out[p.Topic] = text
	}
	return out
}

func TestResponder_RepliesOnDerivedTopic(t *testing.T) {
	mock := testutil.NewMockTransport()
	startResponder(t, mock, echo("accepted"))

	require.Equal(t, 1, mock.Deliver(topic, envelope.Build(request(t, "abc123"))))

	require.Eventually(t, func() bool { return mock.PublishCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]string{"scene/img/abc123": "accepted"}, replies(mock))
}

func TestResponder_HandlerErrorIsReplied(t *testing.T) {
	mock := testutil.NewMockTransport()
	startResponder(t, mock, HandlerFunc(func(context.Context, envelope.ImageRequest) (string, error) {
		return "", errors.New("no match")
	}))

	mock.Deliver(topic, envelope.Build(request(t, "id1")))

	require.Eventually(t, func() bool { return mock.PublishCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "error: no match", replies(mock)["scene/img/id1"])
}

func TestResponder_MalformedRequests(t *testing.T) {
	tests := []struct {
		name      string
		env       envelope.Envelope
		wantReply string
	}{
		{
			name: "too few parts without id",
			env:  envelope.Text("hello"),
		},
		{
			name: "empty id",
			env:  envelope.Build(envelope.ImageRequest{Image: []byte{1}, Width: 1, Height: 1}),
		},
		{
			name:      "bad width with id",
			env:       badWidth(t),
			wantReply: "error:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := metric.NewMetricsRegistry()
			mock := testutil.NewMockTransport()
			var handled atomic.Int32
			startResponder(t, mock, HandlerFunc(func(context.Context, envelope.ImageRequest) (string, error) {
				handled.Add(1)
				return "ok", nil
			}), WithMetricsRegistry(registry))

			mock.Deliver(topic, tt.env)

			m := registry.CoreMetrics()
			assert.Equal(t, 1.0, prom.ToFloat64(m.ResponderRequests.WithLabelValues(OutcomeMalformed)))
			assert.Equal(t, int32(0), handled.Load())

			if tt.wantReply == "" {
				assert.Equal(t, 0, mock.PublishCount())
				return
			}
			require.Equal(t, 1, mock.PublishCount())
			assert.True(t, strings.HasPrefix(replies(mock)["scene/img/id9"], tt.wantReply))
		})
	}
}

func badWidth(t *testing.T) envelope.Envelope {
	env := envelope.Build(request(t, "id9"))
	env.Parts[envelope.IndexWidth].Data = []byte("wide")
	return env
}

func TestResponder_ForeignHeaderIgnored(t *testing.T) {
	mock := testutil.NewMockTransport()
	startResponder(t, mock, echo("ok"), WithExpectedHeader(envelope.DefaultHeader))

	req := request(t, "id1")
	req.Header = "Other App"
	mock.Deliver(topic, envelope.Build(req))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, mock.PublishCount())
}

func TestResponder_RateLimit(t *testing.T) {
	mock := testutil.NewMockTransport()
	startResponder(t, mock, echo("ok"), WithRateLimit(0.001, 1))

	mock.Deliver(topic, envelope.Build(request(t, "first")))
	mock.Deliver(topic, envelope.Build(request(t, "second")))

	require.Eventually(t, func() bool { return mock.PublishCount() == 2 }, time.Second, 5*time.Millisecond)
	got := replies(mock)
	assert.Equal(t, "ok", got["scene/img/first"])
	assert.Contains(t, got["scene/img/second"], "error: ")
	assert.Contains(t, got["scene/img/second"], ErrRateLimited.Error())
}

func TestResponder_StartFailures(t *testing.T) {
	t.Run("rejected subscription", func(t *testing.T) {
		mock := testutil.NewMockTransport()
		rejected := transport.Rejected("denied")
		mock.SetSubscribeAck(&rejected)

		err := New(mock, topic, echo("ok")).Start(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrSubscriptionRejected))
		assert.Equal(t, "denied", errs.Reason(err))
	})

	t.Run("ack timeout", func(t *testing.T) {
		mock := testutil.NewMockTransport()
		mock.SetSubscribeAck(nil)

		err := New(mock, topic, echo("ok"), WithSubscribeTimeout(20*time.Millisecond)).Start(context.Background())
		assert.True(t, errors.Is(err, errs.ErrTransportUnavailable))
		assert.Equal(t, 0, mock.TotalSubscriptions())
	})

	t.Run("missing handler", func(t *testing.T) {
		err := New(testutil.NewMockTransport(), topic, nil).Start(context.Background())
		assert.True(t, errs.IsInvalid(err))
	})
}

func TestResponder_Lifecycle(t *testing.T) {
	mock := testutil.NewMockTransport()
	r := New(mock, topic, echo("ok"))

	require.NoError(t, r.Stop(time.Second))
	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), errs.ErrAlreadyStarted)
	assert.Equal(t, 1, mock.ActiveSubscriptions(topic))

	require.NoError(t, r.Stop(time.Second))
	require.NoError(t, r.Stop(time.Second))
	assert.Equal(t, 0, mock.ActiveSubscriptions(topic))
}

func TestResponder_BoundedConcurrency(t *testing.T) {
	mock := testutil.NewMockTransport()
	release := make(chan struct{})
	var inFlight, peak atomic.Int32
	h := HandlerFunc(func(context.Context, envelope.ImageRequest) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return "ok", nil
	})
	startResponder(t, mock, h, WithMaxClients(2), WithQueueSize(10))

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		mock.Deliver(topic, envelope.Build(request(t, id)))
	}
	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return mock.PublishCount() == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
}

func TestDecodeHandler(t *testing.T) {
	h := DecodeHandler()

	text, err := h.HandleImage(context.Background(), request(t, "x"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "8x6 mean="), text)
	assert.Contains(t, text, "fx=500.0")

	wrongSize := request(t, "x")
	wrongSize.Width = 9
	_, err = h.HandleImage(context.Background(), wrongSize)
	assert.ErrorContains(t, err, "header says 9x6")

	_, err = h.HandleImage(context.Background(), envelope.ImageRequest{Image: []byte("not a jpeg")})
	assert.Error(t, err)
}

func TestEndToEnd_MemTransport(t *testing.T) {
	broker := memtransport.New()
	defer broker.Close()

	r := New(broker, topic, DecodeHandler(), WithExpectedHeader(envelope.DefaultHeader))
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	p := imagetask.NewPublisher(broker, imagetask.WithTopic(topic), imagetask.WithReplyTimeout(2*time.Second))

	reply, err := p.PublishImageAndAwaitReply(context.Background(), imagetask.Request{
		Pixels:     testutil.UniformPixels(8, 6, 3, 64),
		Width:      8,
		Height:     6,
		Format:     imagecodec.RGB24,
		Intrinsics: testutil.CenteredIntrinsics(8, 6),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply, "8x6 mean="), reply)
	assert.Equal(t, 1, broker.Subscriptions(topic))
}
