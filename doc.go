// Package cellmate sends camera frames to a remote application over a
// publish/subscribe network and waits for a textual reply.
//
// A request is one envelope published on a topic. It carries a header, the
// frame as JPEG, a correlation id and the camera intrinsics. The receiving
// application answers on <topic>/<id>. The client subscribes to that reply
// topic and waits for the subscription to be acknowledged before it
// publishes, so a fast reply can never be missed.
//
// # Packages
//
//   - imagetask: the client side. Submit returns a Future; Do and
//     PublishImageAndAwaitReply block for the reply.
//   - responder: the receiving side. It decodes each request, runs a
//     Handler on a bounded worker pool and publishes the reply.
//   - envelope: the request layout and the CBOR and MessagePack codecs.
//   - imagecodec: pixel buffer validation and JPEG encoding.
//   - transport: the broker abstraction. natsclient, mqttclient and
//     transport/memtransport implement it.
//   - correlator and gate: reply-topic ids and the write-once reply slot.
//   - config, metric, health, errors and pkg/...: the ambient stack.
//
// The cellmate command in cmd/cellmate wires all of these together.
package cellmate
