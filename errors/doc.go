// Package errors provides standardized error handling patterns for cellmate components.
//
// # Overview
//
// Two layers live here. The first is the request/reply taxonomy that every
// caller of the image publisher sees:
//
//   - ErrInvalidImageBuffer: the pixel buffer does not match its dimensions (no network activity happened)
//   - ErrSubscriptionRejected: the transport refused the reply subscription (no publish happened)
//   - ErrPublishFailed: the transport did not accept the request
//   - ErrReplyTimeout: no reply arrived within the wait bound
//   - ErrTransportUnavailable: I/O failure while talking to the broker
//
// All of them are plain sentinels matched with errors.Is. Rejections carry the
// transport's reason in an *AckError, which Reason extracts:
//
//	res, err := pub.Do(ctx, req)
//	if errors.Is(err, errors.ErrSubscriptionRejected) {
//	    log.Printf("broker refused reply topic: %s", errors.Reason(err))
//	}
//
// A timed-out wait whose publish ack also failed matches both ErrReplyTimeout
// and ErrPublishFailed.
//
// The second layer is the three-class classification shared by the
// infrastructure packages: Transient (retry may help), Invalid (bad input) and
// Fatal (stop). Classification is derived from ClassifiedError wrappers first,
// then from known sentinels, then from message patterns.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Use Wrap for plain context and WrapTransient, WrapInvalid or WrapFatal when the
// class should travel with the error:
//
//	if err := nc.Connect(ctx); err != nil {
//	    return errors.WrapTransient(err, "Client", "Connect", "broker connection")
//	}
package errors
