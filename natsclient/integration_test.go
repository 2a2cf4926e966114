//go:build integration

package natsclient

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/c360/cellmate/envelope"
	errs "github.com/c360/cellmate/errors"
	"github.com/c360/cellmate/imagecodec"
	"github.com/c360/cellmate/imagetask"
	"github.com/c360/cellmate/responder"
	"github.com/c360/cellmate/testutil"
	"github.com/c360/cellmate/transport"
)

func grayFrame() imagetask.Request {
	return imagetask.Request{
		Pixels:     testutil.GradientPixels(16, 12),
		Width:      16,
		Height:     12,
		Format:     imagecodec.Gray8,
		Intrinsics: testutil.CenteredIntrinsics(16, 12),
	}
}

// IntegrationSuite shares one JetStream enabled server between tests
type IntegrationSuite struct {
	suite.Suite
	tc *TestClient
}

func TestIntegrationSuite(t *testing.T) {
	suite.Run(t, new(IntegrationSuite))
}

func (s *IntegrationSuite) SetupSuite() {
	s.tc = NewTestClient(s.T(), WithIntegrationDefaults())
}

func (s *IntegrationSuite) SetupTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(s.tc.Client.WaitForConnection(ctx))
}

func (s *IntegrationSuite) TestConnect() {
	s.True(s.tc.IsReady())
	s.Equal(StatusConnected, s.tc.Client.Status())

	rtt, err := s.tc.Client.RTT()
	s.Require().NoError(err)
	s.Greater(rtt, time.Duration(0))
}

func (s *IntegrationSuite) TestRequestReply() {
	codecs := []struct {
		name  string
		codec func() envelope.Codec
	}{
		{"cbor", func() envelope.Codec {
			c, err := envelope.CBOR()
			s.Require().NoError(err)
			return c
		}},
		{"msgpack", envelope.MsgPack},
	}

	for _, tt := range codecs {
		s.Run(tt.name, func() {
			ctx := context.Background()
			tr, err := s.tc.Client.Transport(WithCodec(tt.codec()))
			s.Require().NoError(err)

			topic := "cameras." + tt.name + "/img"
			r := responder.New(tr, topic, responder.DecodeHandler())
			s.Require().NoError(r.Start(ctx))
			defer r.Stop(time.Second)

			p := imagetask.NewPublisher(tr, imagetask.WithTopic(topic), imagetask.WithReplyTimeout(5*time.Second))
			res, err := p.Do(ctx, grayFrame())
			s.Require().NoError(err)

			s.True(strings.HasPrefix(res.Reply, "16x12 mean="), res.Reply)
			s.Require().NotNil(res.PublishAck)
			s.True(res.PublishAck.OK())
		})
	}
}

func (s *IntegrationSuite) TestReplyTimeoutWithoutResponder() {
	tr, err := s.tc.Client.Transport()
	s.Require().NoError(err)

	p := imagetask.NewPublisher(tr, imagetask.WithTopic("nobody.home"), imagetask.WithReplyTimeout(100*time.Millisecond))
	_, err = p.Do(context.Background(), grayFrame())
	s.True(errors.Is(err, errs.ErrReplyTimeout))
}

func (s *IntegrationSuite) TestJetStreamAcks() {
	ctx := context.Background()

	js, err := s.tc.Client.JetStream()
	s.Require().NoError(err)
	_, err = js.CreateStream(ctx, jetstream.StreamConfig{Name: "IMAGES", Subjects: []string{"cams.img"}})
	s.Require().NoError(err)

	tr, err := s.tc.Client.Transport(WithJetStreamAcks(true), WithAckTimeout(2*time.Second))
	s.Require().NoError(err)

	publish := func(topic string) transport.Ack {
		acks := make(chan transport.Ack, 1)
		s.Require().NoError(tr.Publish(ctx, topic, envelope.Text("frame"), func(a transport.Ack) { acks <- a }))
		select {
		case a := <-acks:
			return a
		case <-time.After(5 * time.Second):
			s.FailNow("no publish ack")
			return transport.Ack{}
		}
	}

	s.True(publish("cams.img").OK())

	ack := publish("not.a.stream")
	s.Equal(transport.StatusError, ack.Status)
	s.NotEmpty(ack.Reason)
}

// Permissions need their own server configuration
func TestIntegration_SubscriptionRejected(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup(), WithPermissions("vault"))
	ctx := context.Background()

	restricted, err := tc.Connect(ctx, WithCredentials("restricted", "secret"))
	require.NoError(t, err)
	defer restricted.Close(ctx)

	tr, err := restricted.Transport()
	require.NoError(t, err)

	acks := make(chan transport.Ack, 1)
	sub, err := tr.Subscribe(ctx, "vault.img/abc", func(a transport.Ack) { acks <- a }, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case ack := <-acks:
		assert.Equal(t, transport.StatusError, ack.Status)
		assert.Contains(t, strings.ToLower(ack.Reason), "permissions violation")
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription ack")
	}

	p := imagetask.NewPublisher(tr, imagetask.WithTopic("vault.img"))
	_, err = p.Do(ctx, grayFrame())
	assert.True(t, errors.Is(err, errs.ErrSubscriptionRejected))

	// The same user may still subscribe elsewhere
	acks = make(chan transport.Ack, 1)
	sub2, err := tr.Subscribe(ctx, "open.img/abc", func(a transport.Ack) { acks <- a }, nil)
	require.NoError(t, err)
	defer sub2.Unsubscribe()
	assert.True(t, (<-acks).OK())
}
