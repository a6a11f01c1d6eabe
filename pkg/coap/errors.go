package coap

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// Sentinel errors identifying the abstract error taxonomy of the protocol
// engine. Ingress parse errors (ErrMalformedMessage, ErrBadOption) are
// wrapped with a stack trace via github.com/pkg/errors at the point of
// detection so a debug log can print one, but the sentinel identity
// survives errors.Is for callers that only care about the kind.
var (
	// ErrMalformedMessage means a datagram could not be decoded (its
	// header, token or option section is invalid; an option failure also
	// matches ErrBadOption), or a message could not be encoded because its
	// message ID is unset or its token is too long.
	ErrMalformedMessage = errors.New("coap: malformed message")

	// ErrBadOption means the option section of a datagram could not be
	// decoded.
	ErrBadOption = errors.New("coap: bad option")

	// ErrInvalidArgument means the caller misused the API: a non-request
	// message passed to Request, a non-response message returned by a
	// RequestHandler, an out-of-range block number, or a bad token length.
	ErrInvalidArgument = errors.New("coap: invalid argument")

	// ErrUnexpectedAck means an ACK or RST arrived for a message ID the
	// message layer has no record of sending.
	ErrUnexpectedAck = errors.New("coap: unexpected ack or reset")

	// ErrDeferred is returned by a RequestHandler to signal "I cannot
	// answer this request synchronously" — the endpoint reacts by sending
	// an empty ACK and expects the handler to deliver a separate response
	// later via the endpoint's SendResponse.
	ErrDeferred = errors.New("coap: response deferred")
)

func wrapMalformed(msg string) error {
	return pkgerrors.Wrap(ErrMalformedMessage, msg)
}

func wrapBadOption(msg string) error {
	return pkgerrors.Wrap(ErrBadOption, msg)
}
