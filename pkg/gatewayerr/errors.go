// Package gatewayerr defines the sentinel error taxonomy shared across
// the gateway's components and the translation of each sentinel to a
// gRPC status code at the router/service edge.
package gatewayerr

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrInvalidPath            = errors.New("invalid path")
	ErrNoReverseConnection    = errors.New("no reverse connection for service")
	ErrServiceNotFound        = errors.New("service not found")
	ErrUnauthenticated        = errors.New("unauthenticated")
	ErrForwardingError        = errors.New("forwarding error")
	ErrTunnelSendFailed       = errors.New("tunnel send failed")
	ErrResponseChannelClosed  = errors.New("response channel closed")
	ErrRequestTimeout         = errors.New("request timeout")
	ErrTooManyPendingRequests = errors.New("too many pending requests")
	ErrSerializationError     = errors.New("serialization error")
	ErrNoSubscribers          = errors.New("no subscribers for event type")
	ErrSubscriberCapExceeded  = errors.New("subscriber cap exceeded for event type")
)

// Status maps a gateway sentinel (or a wrapped occurrence of one) to
// the gRPC status it should surface as, per the taxonomy in
// spec.md §7. Unrecognized errors map to Internal.
func Status(err error) *status.Status {
	switch {
	case err == nil:
		return status.New(codes.OK, "")
	case errors.Is(err, ErrInvalidPath):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrNoReverseConnection), errors.Is(err, ErrServiceNotFound):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, ErrUnauthenticated):
		return status.New(codes.Unauthenticated, err.Error())
	case errors.Is(err, ErrForwardingError), errors.Is(err, ErrTunnelSendFailed), errors.Is(err, ErrResponseChannelClosed):
		return status.New(codes.Unavailable, err.Error())
	case errors.Is(err, ErrRequestTimeout):
		// Prefer DEADLINE_EXCEEDED on the inbound edge; see
		// DESIGN.md "Open Question decisions (a)".
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, ErrTooManyPendingRequests), errors.Is(err, ErrSubscriberCapExceeded):
		return status.New(codes.ResourceExhausted, err.Error())
	case errors.Is(err, ErrSerializationError):
		return status.New(codes.Internal, err.Error())
	default:
		return status.New(codes.Internal, err.Error())
	}
}
