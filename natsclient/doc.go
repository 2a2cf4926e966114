// Package natsclient connects cellmate to a NATS server.
//
// Client wraps a nats.go connection with a circuit breaker, reconnect
// handling and periodic RTT liveness probes. After a threshold of consecutive
// failures (default 5) the circuit opens and further calls fail fast with
// ErrCircuitOpen; it half-opens again after an exponentially growing backoff.
//
// Transport adapts a connected Client to transport.Transport. Envelopes are
// framed with an envelope.Codec (CBOR by default, MessagePack optional) and
// published on the topic as subject. Acks come from server round-trips:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(natsclient.NewSlogLogger(logger)))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	tr, err := client.Transport(natsclient.WithCodec(envelope.MsgPack()))
//
// A subscription is acknowledged once a flush following the SUB completes;
// a permissions violation reported for that subject turns the ack into a
// rejection carrying the server's text. Publishes are acknowledged by a
// flush, or by the JetStream PubAck when WithJetStreamAcks is set.
//
// TestClient starts a NATS server in a container through testcontainers for
// integration tests (go test -tags integration).
package natsclient
