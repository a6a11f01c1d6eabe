package messagelayer

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/junbin-yang/coap-go/pkg/coap"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeTransport) Open() error  { return nil }
func (f *fakeTransport) Close() error { return nil }
func (f *fakeTransport) Send(data []byte, remote net.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}
func (f *fakeTransport) RegisterReceiver(coap.Receiver) {}
func (f *fakeTransport) RemoveReceiver(coap.Receiver)   {}
func (f *fakeTransport) LocalAddr() net.Addr            { return &net.UDPAddr{} }

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

var remote = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683}

func TestSendConfirmableRetransmitsUntilAck(t *testing.T) {
	transport := &fakeTransport{}
	clock := clockwork.NewFakeClock()
	layer := New(transport, clock, nil)

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Remote = remote

	outcomes := make(chan Outcome, 1)
	if err := layer.SendConfirmable(req, func(o Outcome, _ *coap.Message) { outcomes <- o }); err != nil {
		t.Fatalf("SendConfirmable: %v", err)
	}
	if transport.sentCount() != 1 {
		t.Fatalf("expected 1 send, got %d", transport.sentCount())
	}

	clock.BlockUntil(1)
	clock.Advance(coap.AckTimeout * 2)
	clock.BlockUntil(1)
	if transport.sentCount() < 2 {
		t.Fatalf("expected at least 2 sends after first retransmit, got %d", transport.sentCount())
	}

	ack := coap.EmptyAck(req)
	ack.Code = coap.Content
	encoded, _ := ack.Encode()
	layer.HandleInbound(encoded, remote)

	select {
	case o := <-outcomes:
		if o != Ack {
			t.Fatalf("outcome = %v, want Ack", o)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestSendConfirmableTimesOutAfterMaxRetransmit(t *testing.T) {
	transport := &fakeTransport{}
	clock := clockwork.NewFakeClock()
	layer := New(transport, clock, nil)

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Remote = remote

	outcomes := make(chan Outcome, 1)
	_ = layer.SendConfirmable(req, func(o Outcome, _ *coap.Message) { outcomes <- o })

	for i := 0; i < coap.MaxRetransmit+1; i++ {
		clock.BlockUntil(1)
		clock.Advance(48 * time.Second)
	}

	select {
	case o := <-outcomes:
		if o != Timeout {
			t.Fatalf("outcome = %v, want Timeout", o)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	if got := transport.sentCount(); got != coap.MaxRetransmit+1 {
		t.Fatalf("sent %d datagrams, want %d", got, coap.MaxRetransmit+1)
	}
}

func TestDuplicateConDoesNotRedeliverButResendsStoredResponse(t *testing.T) {
	transport := &fakeTransport{}
	clock := clockwork.NewFakeClock()
	layer := New(transport, clock, nil)

	delivered := 0
	layer.Deliver = func(msg *coap.Message) { delivered++ }

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.SetMID(11)
	req.Token = []byte{0x01}
	req.Remote = remote
	encoded, _ := req.Encode()

	layer.HandleInbound(encoded, remote)
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}

	resp := coap.PiggybackedAck(req, coap.Content, []byte("ok"))
	if err := layer.SendPiggybackedResponse(req.MID, remote, resp); err != nil {
		t.Fatalf("SendPiggybackedResponse: %v", err)
	}
	sentBefore := transport.sentCount()

	layer.HandleInbound(encoded, remote)
	if delivered != 1 {
		t.Fatalf("delivered = %d after duplicate, want still 1", delivered)
	}
	if transport.sentCount() != sentBefore+1 {
		t.Fatalf("expected the stored response to be resent once more")
	}
}

func TestUnexpectedAckIsDroppedNotPanicked(t *testing.T) {
	transport := &fakeTransport{}
	clock := clockwork.NewFakeClock()
	layer := New(transport, clock, nil)

	ack := coap.NewMessage(coap.Acknowledgement, coap.Content)
	ack.SetMID(999)
	encoded, _ := ack.Encode()

	layer.HandleInbound(encoded, remote) // must not panic
}

func TestDedupTTLMatchesExchangeLifetime(t *testing.T) {
	transport := &fakeTransport{}
	clock := clockwork.NewFakeClock()
	layer := New(transport, clock, nil)
	layer.Deliver = func(*coap.Message) {}

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.SetMID(1)
	req.Remote = remote
	encoded, _ := req.Encode()
	layer.HandleInbound(encoded, remote)

	if layer.DedupCount() != 1 {
		t.Fatalf("expected one dedup record")
	}

	clock.BlockUntil(1)
	clock.Advance(coap.ExchangeLifetime + time.Second)
	clock.BlockUntil(0)

	if layer.DedupCount() != 0 {
		t.Fatalf("expected the dedup record to be evicted after ExchangeLifetime")
	}
}
