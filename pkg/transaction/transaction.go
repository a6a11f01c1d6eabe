// Package transaction implements the CoAP transaction layer: matching
// responses to outstanding requests by (token, remote), the separate
// response's implicit ACK, and request cancellation. It sits directly on
// top of the message layer and knows nothing about transport framing.
package transaction

import (
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/junbin-yang/coap-go/pkg/coap"
	"github.com/junbin-yang/coap-go/pkg/messagelayer"
	"github.com/junbin-yang/coap-go/pkg/utils/logger"
)

// Outcome is how a request concluded.
type Outcome int

const (
	// Success means a response arrived, matched by token and remote.
	Success Outcome = iota
	// Reset means the peer answered (or would have answered) with RST.
	Reset
	// Timeout means no response arrived within the request's deadline.
	Timeout
	// Cancelled means Cancel was called before the request concluded.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Reset:
		return "reset"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Callback receives the final outcome of a request. response is non-nil
// only when outcome is Success.
type Callback func(outcome Outcome, request *coap.Message, response *coap.Message)

type requestKey struct {
	token  string
	remote string
}

// outgoingRequest is one entry of the outgoing_requests table (spec.md
// §4.5).
type outgoingRequest struct {
	request  *coap.Message
	callback Callback
	timer    *time.Timer
	done     bool
}

// Layer is the transaction layer of a single CoAP endpoint.
type Layer struct {
	ml  *messagelayer.Layer
	log *logger.Logger

	mu       sync.Mutex
	outgoing map[requestKey]*outgoingRequest
}

// New builds a transaction layer driving requests through ml.
func New(ml *messagelayer.Layer, log *logger.Logger) *Layer {
	if log == nil {
		log = logger.Default()
	}
	l := &Layer{
		ml:       ml,
		log:      log,
		outgoing: make(map[requestKey]*outgoingRequest),
	}
	return l
}

func keyOf(token []byte, remote net.Addr) requestKey {
	r := ""
	if remote != nil {
		r = remote.String()
	}
	return requestKey{token: string(token), remote: r}
}

// Request sends request and invokes callback exactly once with its
// outcome. request must be a CON or NON request; if it carries no token
// yet, a fresh random one is assigned (a zero-length token would collide
// across concurrent requests to the same remote). The deadline is
// request.Timeout if set, else coap.RequestTimeout.
func (l *Layer) Request(request *coap.Message, callback Callback) error {
	if !request.IsRequest() {
		return coap.ErrInvalidArgument
	}
	if request.Type != coap.Confirmable && request.Type != coap.NonConfirmable {
		return coap.ErrInvalidArgument
	}
	if len(request.Token) == 0 {
		token, err := coap.RandomToken(coap.MaxTokenLength)
		if err != nil {
			return err
		}
		request.Token = token
	}

	key := keyOf(request.Token, request.Remote)
	entry := &outgoingRequest{request: request, callback: callback}

	l.mu.Lock()
	if _, exists := l.outgoing[key]; exists {
		l.mu.Unlock()
		return coap.ErrInvalidArgument
	}
	l.outgoing[key] = entry
	l.mu.Unlock()

	deadline := request.Timeout
	if deadline == 0 {
		deadline = coap.RequestTimeout
	}

	switch request.Type {
	case coap.Confirmable:
		err := l.ml.SendConfirmable(request, func(outcome messagelayer.Outcome, msg *coap.Message) {
			l.onExchangeComplete(key, outcome, msg)
		})
		if err != nil {
			l.mu.Lock()
			delete(l.outgoing, key)
			l.mu.Unlock()
			return err
		}
		// The message layer's own retransmit timeout already bounds a CON
		// request to MaxTransmitWait; deadline guards the case where an
		// empty ACK arrives but the separate response never does.
		entry.timer = time.AfterFunc(deadline, func() { l.onTimeout(key) })
	case coap.NonConfirmable:
		if err := l.ml.SendNonConfirmable(request); err != nil {
			l.mu.Lock()
			delete(l.outgoing, key)
			l.mu.Unlock()
			return err
		}
		entry.timer = time.AfterFunc(deadline, func() { l.onTimeout(key) })
	}
	return nil
}

// Cancel aborts request, invoking its callback with Cancelled if it
// hasn't already concluded. A no-op if request is unknown or already
// concluded.
func (l *Layer) Cancel(request *coap.Message) {
	key := keyOf(request.Token, request.Remote)

	l.mu.Lock()
	entry, ok := l.outgoing[key]
	if !ok || entry.done {
		l.mu.Unlock()
		return
	}
	entry.done = true
	delete(l.outgoing, key)
	l.mu.Unlock()

	if entry.timer != nil {
		entry.timer.Stop()
	}
	if request.Type == coap.Confirmable {
		l.ml.CancelExchange(request.MID)
	}
	entry.callback(Cancelled, entry.request, nil)
}

func (l *Layer) onTimeout(key requestKey) {
	l.mu.Lock()
	entry, ok := l.outgoing[key]
	if !ok || entry.done {
		l.mu.Unlock()
		return
	}
	entry.done = true
	delete(l.outgoing, key)
	l.mu.Unlock()

	entry.callback(Timeout, entry.request, nil)
}

func (l *Layer) onExchangeComplete(key requestKey, outcome messagelayer.Outcome, ackMsg *coap.Message) {
	if outcome == messagelayer.Reset {
		l.mu.Lock()
		entry, ok := l.outgoing[key]
		if ok && !entry.done {
			entry.done = true
			delete(l.outgoing, key)
		}
		l.mu.Unlock()
		if ok {
			if entry.timer != nil {
				entry.timer.Stop()
			}
			entry.callback(Reset, entry.request, nil)
		}
		return
	}
	if outcome == messagelayer.Timeout {
		l.onTimeout(key)
		return
	}

	// outcome == Ack: either a piggy-backed response (non-empty code) or
	// an empty ACK preceding a separate response (code == Empty). Only the
	// former concludes the request here.
	if ackMsg != nil && ackMsg.Code != coap.Empty {
		l.deliverResponse(key, ackMsg)
	}
	// An empty ACK leaves the request pending for the separate response,
	// which arrives through Deliver like any other inbound message.
}

// Deliver routes an inbound message from the message layer: a response
// completes its matching request (auto-acknowledging a separate CON
// response); a response with no matching entry is also claimed, and is
// answered with an empty RST if it is confirmable. Anything that is not a
// response (a request, or an empty message) is left unclaimed (false) for
// the caller to hand to the endpoint's request handler.
func (l *Layer) Deliver(msg *coap.Message) (handled bool) {
	if !msg.IsResponse() {
		return false
	}

	key := keyOf(msg.Token, msg.Remote)

	l.mu.Lock()
	_, ok := l.outgoing[key]
	l.mu.Unlock()
	if !ok {
		// A response with no matching request: per RFC 7252 §4.3, reset an
		// unexpected confirmable response so the sender stops retrying it.
		if msg.Type == coap.Confirmable {
			if err := l.ml.SendEmptyReset(msg); err != nil {
				l.log.Warnf("coap: reset of unmatched response failed: %v", err)
			}
		}
		return true
	}

	if msg.Type == coap.Confirmable {
		if err := l.ml.SendEmptyAck(msg); err != nil {
			l.log.Warnf("coap: ack of separate response failed: %v", err)
		}
	}
	l.deliverResponse(key, msg)
	return true
}

func (l *Layer) deliverResponse(key requestKey, response *coap.Message) {
	l.mu.Lock()
	entry, ok := l.outgoing[key]
	if !ok || entry.done {
		l.mu.Unlock()
		return
	}
	entry.done = true
	delete(l.outgoing, key)
	l.mu.Unlock()

	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.callback(Success, entry.request, response)
}

// PendingCount reports how many requests are currently awaiting an
// outcome.
func (l *Layer) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.outgoing)
}

// Close cancels every pending request and aggregates any callback panics
// recovered along the way; callbacks themselves are expected not to
// error, so this mirrors the teacher's multierr-based shutdown rather
// than surfacing per-callback errors.
func (l *Layer) Close() error {
	l.mu.Lock()
	entries := make([]*outgoingRequest, 0, len(l.outgoing))
	for key, entry := range l.outgoing {
		entry.done = true
		delete(l.outgoing, key)
		entries = append(entries, entry)
	}
	l.mu.Unlock()

	var err error
	for _, entry := range entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		err = multierr.Append(err, safeCallback(entry))
	}
	return err
}

func safeCallback(entry *outgoingRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = coap.ErrInvalidArgument
		}
	}()
	entry.callback(Cancelled, entry.request, nil)
	return nil
}
