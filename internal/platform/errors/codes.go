// Package errors provides structured error handling for the live service.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Subscription errors
	CodeInvalidFilter              Code = "INVALID_FILTER"
	CodeRegistryInvariantViolation Code = "REGISTRY_INVARIANT_VIOLATION"
	CodeUnavailable                Code = "UNAVAILABLE"

	// Upstream errors
	CodeUpstreamTimeout     Code = "UPSTREAM_TIMEOUT"
	CodeUpstreamHTTPError   Code = "UPSTREAM_HTTP_ERROR"
	CodeUpstreamRateLimited Code = "UPSTREAM_RATE_LIMITED"
	CodeUpstreamDecodeError Code = "UPSTREAM_DECODE_ERROR"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidFilter:
		return codes.InvalidArgument
	case CodeUpstreamTimeout:
		return codes.DeadlineExceeded
	case CodeUpstreamRateLimited:
		return codes.ResourceExhausted
	case CodeUpstreamHTTPError, CodeUnavailable:
		return codes.Unavailable
	case CodeUpstreamDecodeError:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

var wireCodes = map[codes.Code]string{
	codes.InvalidArgument:   "INVALID_ARGUMENT",
	codes.DeadlineExceeded:  "DEADLINE_EXCEEDED",
	codes.ResourceExhausted: "RESOURCE_EXHAUSTED",
	codes.Unavailable:       "UNAVAILABLE",
	codes.DataLoss:          "DATA_LOSS",
	codes.Internal:          "INTERNAL",
}

// WireCode returns the canonical status name sent to WebSocket clients.
func (c Code) WireCode() string {
	if wire, ok := wireCodes[c.GRPCCode()]; ok {
		return wire
	}
	return "INTERNAL"
}

// Retryable reports whether the failure is expected to clear on its own.
func (c Code) Retryable() bool {
	switch c {
	case CodeUpstreamTimeout, CodeUpstreamHTTPError, CodeUpstreamRateLimited, CodeUnavailable:
		return true
	default:
		return false
	}
}
