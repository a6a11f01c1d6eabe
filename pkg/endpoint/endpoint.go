// Package endpoint is the composition root of a CoAP endpoint: it wires
// a transport to the message layer and transaction layer, dispatches
// inbound requests to a single RequestHandler, and renders that
// handler's return value into the piggy-backed ACK / empty-ACK /
// separate-response paths described by RFC 7252 §5.2.
package endpoint

import (
	"net"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"

	"github.com/junbin-yang/coap-go/pkg/coap"
	"github.com/junbin-yang/coap-go/pkg/messagelayer"
	"github.com/junbin-yang/coap-go/pkg/transaction"
	"github.com/junbin-yang/coap-go/pkg/utils/logger"
)

// Endpoint is a single CoAP endpoint: one transport, one message layer,
// one transaction layer, and one request handler.
type Endpoint struct {
	transport coap.Transport
	ml        *messagelayer.Layer
	tl        *transaction.Layer
	handler   coap.RequestHandler
	log       *logger.Logger
	clock     clockwork.Clock
}

// Option configures New.
type Option func(*Endpoint)

// WithClock overrides the clock the message layer uses for
// retransmission and dedup eviction timers, for deterministic tests.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Endpoint) { e.clock = clock }
}

// WithLogger overrides the logger used by the endpoint and its layers.
func WithLogger(log *logger.Logger) Option {
	return func(e *Endpoint) { e.log = log }
}

// New builds an Endpoint over transport, dispatching inbound requests to
// handler. handler may be nil for a client-only endpoint that never
// answers inbound requests (it resets confirmable ones and ignores
// non-confirmable ones).
func New(transport coap.Transport, handler coap.RequestHandler, opts ...Option) (*Endpoint, error) {
	e := &Endpoint{transport: transport, handler: handler, log: logger.Default()}
	for _, opt := range opts {
		opt(e)
	}

	e.ml = messagelayer.New(transport, e.clock, e.log)
	e.tl = transaction.New(e.ml, e.log)
	e.ml.Deliver = e.onDeliver

	if err := transport.Open(); err != nil {
		return nil, err
	}
	transport.RegisterReceiver(e)
	return e, nil
}

// Receive implements coap.Receiver, handing every inbound datagram to
// the message layer.
func (e *Endpoint) Receive(data []byte, remote net.Addr, local net.Addr) {
	e.ml.HandleInbound(data, remote)
}

// onDeliver is the message layer's callback for every non-duplicate
// CON/NON message: it first offers the message to the transaction layer
// (which claims responses), and falls through to the request handler for
// everything else.
func (e *Endpoint) onDeliver(msg *coap.Message) {
	if e.tl.Deliver(msg) {
		return
	}
	if msg.IsRequest() {
		e.dispatchRequest(msg)
		return
	}
	// Neither a known response nor a request: an unsolicited, unmatched
	// message. Nothing to do but drop it.
	e.log.Debugf("coap: dropping unmatched message from %v", msg.Remote)
}

func (e *Endpoint) dispatchRequest(request *coap.Message) {
	if e.handler == nil {
		if request.Type == coap.Confirmable {
			if err := e.ml.SendEmptyReset(request); err != nil {
				e.log.Warnf("coap: reset of unhandled request failed: %v", err)
			}
		}
		return
	}

	response, err := e.handler.ReceiveRequest(request)
	switch {
	case err == coap.ErrDeferred:
		if request.Type == coap.Confirmable {
			if sendErr := e.ml.SendEmptyAck(request); sendErr != nil {
				e.log.Warnf("coap: empty ack failed: %v", sendErr)
			}
		}
		// The real response is expected to arrive later through
		// SendResponse, as a fresh CON/NON carrying request's token.
	case err != nil:
		e.log.Errorf("coap: request handler error: %v", err)
		if request.Type == coap.Confirmable {
			if sendErr := e.ml.SendEmptyReset(request); sendErr != nil {
				e.log.Warnf("coap: reset after handler error failed: %v", sendErr)
			}
		}
	case response == nil:
		// No response, ever (typical for a NON the application ignores).
	default:
		if !response.IsResponse() {
			e.log.Errorf("coap: %v", coap.ErrInvalidArgument)
			return
		}
		e.sendSynchronousResponse(request, response)
	}
}

func (e *Endpoint) sendSynchronousResponse(request, response *coap.Message) {
	response.Token = request.Token
	response.Remote = request.Remote

	if request.Type == coap.Confirmable {
		response.Type = coap.Acknowledgement
		response.SetMID(request.MID)
		if err := e.ml.SendPiggybackedResponse(request.MID, request.Remote, response); err != nil {
			e.log.Warnf("coap: piggybacked response failed: %v", err)
		}
		return
	}

	response.Type = coap.NonConfirmable
	if err := e.ml.SendNonConfirmable(response); err != nil {
		e.log.Warnf("coap: non-confirmable response failed: %v", err)
	}
}

// SendResponse sends response as a separate reply to request: a fresh
// confirmable or non-confirmable message (per request.Type) carrying
// request's token, used after a handler returned coap.ErrDeferred. complete,
// if non-nil, is invoked once the confirmable response's own exchange
// concludes (ACK/RST/timeout); it is ignored for non-confirmable replies.
func (e *Endpoint) SendResponse(request, response *coap.Message, complete messagelayer.CompletionFunc) error {
	if !response.IsResponse() {
		return coap.ErrInvalidArgument
	}
	response.Token = request.Token
	response.Remote = request.Remote

	if request.Type == coap.Confirmable {
		response.Type = coap.Confirmable
		return e.ml.SendConfirmable(response, complete)
	}
	response.Type = coap.NonConfirmable
	return e.ml.SendNonConfirmable(response)
}

// Request sends request and invokes callback exactly once with its
// outcome, as described by transaction.Layer.Request.
func (e *Endpoint) Request(request *coap.Message, callback transaction.Callback) error {
	return e.tl.Request(request, callback)
}

// Cancel aborts a request previously submitted via Request.
func (e *Endpoint) Cancel(request *coap.Message) {
	e.tl.Cancel(request)
}

// LocalAddr returns the transport's bound local address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.transport.LocalAddr()
}

// Close tears down the transaction layer, message layer and transport, in
// that order, aggregating every error encountered.
func (e *Endpoint) Close() error {
	var err error
	err = multierr.Append(err, e.tl.Close())
	err = multierr.Append(err, e.ml.Close())
	e.transport.RemoveReceiver(e)
	err = multierr.Append(err, e.transport.Close())
	return err
}
