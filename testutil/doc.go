// Package testutil provides test doubles and fixtures shared by cellmate tests.
//
// MockTransport is an in-memory transport.Transport whose acks are scripted
// by the test. It records every call in order, so tests can assert that the
// reply subscription was confirmed before the request was published:
//
//	mock := testutil.NewMockTransport()
//	rejected := transport.Rejected("denied")
//	mock.SetSubscribeAck(&rejected)
//	...
//	assert.Equal(t, 0, mock.PublishCount())
//
// Acks and injected replies run synchronously on the calling goroutine.
// Use AutoReply to answer every request, optionally before its publish ack,
// or Deliver/DeliverText to inject messages by hand.
//
// The fixtures (UniformPixels, GradientPixels, CenteredIntrinsics) build
// frames and calibrations for image requests.
package testutil
