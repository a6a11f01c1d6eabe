// Package messagelayer implements the CoAP message layer: confirmable
// retransmission with exponential backoff and jitter, duplicate detection
// of incoming messages, and the empty-ACK / separate-response split. It
// has no notion of tokens or requests — that belongs to the transaction
// layer one level up.
package messagelayer

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"github.com/junbin-yang/coap-go/pkg/coap"
	"github.com/junbin-yang/coap-go/pkg/utils/logger"
)

// Outcome is how an outbound confirmable exchange concluded.
type Outcome int

const (
	Ack Outcome = iota
	Reset
	Timeout
)

// CompletionFunc is invoked exactly once when an outbound confirmable
// exchange concludes.
type CompletionFunc func(outcome Outcome, response *coap.Message)

// exchange is the state of one outbound confirmable message awaiting
// ACK/RST (spec.md §3 "Exchange record").
type exchange struct {
	encoded  []byte
	remote   net.Addr
	attempt  int
	backoff  time.Duration
	timer    clockwork.Timer
	complete CompletionFunc
}

type dedupKey struct {
	mid    uint16
	remote string
}

// dedupRecord remembers a received (mid, remote) pair for EXCHANGE_LIFETIME
// or NON_LIFETIME so a retransmitted duplicate can be answered without
// re-entering the application.
type dedupRecord struct {
	msgType    coap.Type
	receivedAt time.Time
	response   []byte // encoded bytes of the response already sent, if any
	evict      clockwork.Timer
}

// Layer is the message layer of a single CoAP endpoint.
type Layer struct {
	transport coap.Transport
	clock     clockwork.Clock
	log       *logger.Logger

	// Deliver is invoked for every distinct (mid, remote) CON/NON message
	// that isn't a duplicate — i.e. every request and every separate
	// response. It is called on the goroutine that called HandleInbound,
	// after the layer's lock has been released; the layer itself does not
	// serialize concurrent HandleInbound calls.
	Deliver func(msg *coap.Message)

	mu              sync.Mutex
	activeExchanges map[uint16]*exchange
	dedup           map[dedupKey]*dedupRecord

	midCounter    atomic.Uint32
	exchangeCount atomic.Int64
	dedupCount    atomic.Int64
}

// New builds a message layer bound to transport. If clock is nil, the
// real wall clock is used.
func New(transport coap.Transport, clock clockwork.Clock, log *logger.Logger) *Layer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logger.Default()
	}
	l := &Layer{
		transport:       transport,
		clock:           clock,
		log:             log,
		activeExchanges: make(map[uint16]*exchange),
		dedup:           make(map[dedupKey]*dedupRecord),
	}
	var seed [2]byte
	if _, err := cryptorand.Read(seed[:]); err == nil {
		l.midCounter.Store(uint32(binary.BigEndian.Uint16(seed[:])))
	} else {
		l.midCounter.Store(uint32(rand.Intn(1 << 16)))
	}
	return l
}

// NextMID returns the next message ID from the per-endpoint monotonically
// increasing, wrapping 16-bit counter.
func (l *Layer) NextMID() uint16 {
	return uint16(l.midCounter.Inc())
}

func remoteKey(remote net.Addr) string {
	if remote == nil {
		return ""
	}
	return remote.String()
}

// SendConfirmable assigns a message ID if the message doesn't already
// have one, serializes msg, hands it to the transport, and schedules the
// retransmission schedule from RFC 7252 §4.2: initial timeout drawn from
// U(AckTimeout, AckTimeout*AckRandomFactor), doubling on each of up to
// MaxRetransmit retries. complete is invoked exactly once, with Ack/Reset
// on a matching reply or Timeout once the retransmission budget is
// exhausted.
func (l *Layer) SendConfirmable(msg *coap.Message, complete CompletionFunc) error {
	if complete == nil {
		complete = func(Outcome, *coap.Message) {}
	}
	if !msg.HasMID() {
		msg.SetMID(l.NextMID())
	}
	encoded, err := msg.Encode()
	if err != nil {
		return err
	}

	ex := &exchange{
		encoded:  encoded,
		remote:   msg.Remote,
		attempt:  0,
		complete: complete,
	}

	l.mu.Lock()
	l.activeExchanges[msg.MID] = ex
	l.mu.Unlock()
	l.exchangeCount.Inc()

	if err := l.transport.Send(encoded, msg.Remote); err != nil {
		l.log.Warnf("coap: send failed, deferring to retransmit timeout: %v", err)
	}

	initial := jitteredTimeout()
	ex.backoff = initial
	ex.timer = l.clock.AfterFunc(initial, func() { l.onRetransmitFire(msg.MID) })
	return nil
}

// SendNonConfirmable assigns a message ID if needed and sends msg without
// tracking an exchange: NON messages are fire-and-forget.
func (l *Layer) SendNonConfirmable(msg *coap.Message) error {
	if !msg.HasMID() {
		msg.SetMID(l.NextMID())
	}
	encoded, err := msg.Encode()
	if err != nil {
		return err
	}
	return l.transport.Send(encoded, msg.Remote)
}

// SendPiggybackedResponse sends a piggy-backed ACK response and attaches
// its encoded bytes to the dedup record of the request it answers, so a
// retransmitted duplicate of that request is answered with the identical
// bytes instead of re-entering the application.
func (l *Layer) SendPiggybackedResponse(requestMID uint16, remote net.Addr, response *coap.Message) error {
	encoded, err := response.Encode()
	if err != nil {
		return err
	}
	if err := l.transport.Send(encoded, remote); err != nil {
		return err
	}

	key := dedupKey{mid: requestMID, remote: remoteKey(remote)}
	l.mu.Lock()
	if rec, ok := l.dedup[key]; ok {
		rec.response = encoded
	}
	l.mu.Unlock()
	return nil
}

// SendEmptyAck sends an empty ACK for request and attaches its encoded
// bytes to request's dedup record, so a retransmitted duplicate of request
// is answered with the same empty ACK instead of re-entering the upper
// layer.
func (l *Layer) SendEmptyAck(request *coap.Message) error {
	ack := coap.EmptyAck(request)
	encoded, err := ack.Encode()
	if err != nil {
		return err
	}
	if err := l.transport.Send(encoded, request.Remote); err != nil {
		return err
	}

	key := dedupKey{mid: request.MID, remote: remoteKey(request.Remote)}
	l.mu.Lock()
	if rec, ok := l.dedup[key]; ok {
		rec.response = encoded
	}
	l.mu.Unlock()
	return nil
}

// SendEmptyReset sends an empty RST for request (or any message sharing
// its MID/remote), used when a response is unexpected.
func (l *Layer) SendEmptyReset(msg *coap.Message) error {
	rst := coap.EmptyReset(msg)
	encoded, err := rst.Encode()
	if err != nil {
		return err
	}
	return l.transport.Send(encoded, msg.Remote)
}

// CancelExchange removes mid's exchange record (if any) and stops its
// retransmit timer without invoking complete. Used by cancel(request) in
// the transaction layer, which delivers the Cancelled outcome itself.
func (l *Layer) CancelExchange(mid uint16) {
	l.mu.Lock()
	ex, ok := l.activeExchanges[mid]
	if ok {
		delete(l.activeExchanges, mid)
	}
	l.mu.Unlock()
	if ok {
		l.exchangeCount.Dec()
		if ex.timer != nil {
			ex.timer.Stop()
		}
	}
}

func (l *Layer) onRetransmitFire(mid uint16) {
	l.mu.Lock()
	ex, ok := l.activeExchanges[mid]
	if !ok {
		l.mu.Unlock()
		return
	}
	ex.attempt++
	if ex.attempt > coap.MaxRetransmit {
		delete(l.activeExchanges, mid)
		l.mu.Unlock()
		l.exchangeCount.Dec()
		ex.complete(Timeout, nil)
		return
	}
	ex.backoff *= 2
	l.mu.Unlock()

	if err := l.transport.Send(ex.encoded, ex.remote); err != nil {
		l.log.Warnf("coap: retransmit failed: %v", err)
	}
	ex.timer = l.clock.AfterFunc(ex.backoff, func() { l.onRetransmitFire(mid) })
}

// jitteredTimeout draws the initial retransmission timeout from
// U(AckTimeout, AckTimeout*AckRandomFactor).
func jitteredTimeout() time.Duration {
	lo := float64(coap.AckTimeout)
	hi := lo * coap.AckRandomFactor
	return time.Duration(lo + rand.Float64()*(hi-lo))
}

// HandleInbound decodes data from remote and routes it: ACK/RST
// completes a matching outbound exchange (or is logged and dropped if
// unmatched); CON/NON is deduplicated and, if new, handed to Deliver.
// Malformed datagrams are dropped silently.
func (l *Layer) HandleInbound(data []byte, remote net.Addr) {
	msg, err := coap.Decode(data, remote)
	if err != nil {
		l.log.Debugf("coap: dropping malformed datagram from %v: %v", remote, err)
		return
	}

	switch msg.Type {
	case coap.Acknowledgement, coap.Reset:
		l.handleAckOrReset(msg)
	case coap.Confirmable, coap.NonConfirmable:
		l.handleConOrNon(msg)
	}
}

func (l *Layer) handleAckOrReset(msg *coap.Message) {
	l.mu.Lock()
	ex, ok := l.activeExchanges[msg.MID]
	if ok {
		delete(l.activeExchanges, msg.MID)
	}
	l.mu.Unlock()

	if !ok {
		l.log.Debugf("coap: %v", coap.ErrUnexpectedAck)
		return
	}
	l.exchangeCount.Dec()
	if ex.timer != nil {
		ex.timer.Stop()
	}

	outcome := Ack
	if msg.Type == coap.Reset {
		outcome = Reset
	}
	ex.complete(outcome, msg)
}

func (l *Layer) handleConOrNon(msg *coap.Message) {
	key := dedupKey{mid: msg.MID, remote: remoteKey(msg.Remote)}
	lifetime := coap.NonLifetime
	if msg.Type == coap.Confirmable {
		lifetime = coap.ExchangeLifetime
	}

	l.mu.Lock()
	if rec, exists := l.dedup[key]; exists {
		l.mu.Unlock()
		if rec.response != nil {
			if err := l.transport.Send(rec.response, msg.Remote); err != nil {
				l.log.Warnf("coap: resend of stored duplicate response failed: %v", err)
			}
		}
		return
	}

	rec := &dedupRecord{msgType: msg.Type, receivedAt: l.clock.Now()}
	l.dedup[key] = rec
	l.dedupCount.Inc()
	rec.evict = l.clock.AfterFunc(lifetime, func() {
		l.mu.Lock()
		delete(l.dedup, key)
		l.mu.Unlock()
		l.dedupCount.Dec()
	})
	l.mu.Unlock()

	if l.Deliver != nil {
		l.Deliver(msg)
	}
}

// ExchangeCount reports the number of outbound confirmable messages
// currently awaiting ACK/RST, for lock-free metrics reads.
func (l *Layer) ExchangeCount() int {
	return int(l.exchangeCount.Load())
}

// DedupCount reports the number of (mid, remote) pairs currently
// remembered in the dedup window, for lock-free metrics reads.
func (l *Layer) DedupCount() int {
	return int(l.dedupCount.Load())
}

// Close stops every pending retransmit and eviction timer.
func (l *Layer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ex := range l.activeExchanges {
		if ex.timer != nil {
			ex.timer.Stop()
		}
	}
	for _, rec := range l.dedup {
		if rec.evict != nil {
			rec.evict.Stop()
		}
	}
	l.activeExchanges = make(map[uint16]*exchange)
	l.dedup = make(map[dedupKey]*dedupRecord)
	l.exchangeCount.Store(0)
	l.dedupCount.Store(0)
	return nil
}
