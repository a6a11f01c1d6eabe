package endpoint

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/junbin-yang/coap-go/pkg/coap"
	"github.com/junbin-yang/coap-go/pkg/transaction"
)

// pairedTransport connects two in-process endpoints without touching a
// real socket, so the end-to-end scenarios can run deterministically.
type pairedTransport struct {
	name string
	addr net.Addr
	peer *pairedTransport

	mu        sync.Mutex
	receivers []coap.Receiver
	sentCount int
}

func (p *pairedTransport) Open() error  { return nil }
func (p *pairedTransport) Close() error { return nil }

func (p *pairedTransport) Send(data []byte, remote net.Addr) error {
	p.mu.Lock()
	p.sentCount++
	p.mu.Unlock()

	p.peer.mu.Lock()
	receivers := make([]coap.Receiver, len(p.peer.receivers))
	copy(receivers, p.peer.receivers)
	p.peer.mu.Unlock()
	for _, r := range receivers {
		r.Receive(data, p.addr, p.peer.addr)
	}
	return nil
}

func (p *pairedTransport) RegisterReceiver(r coap.Receiver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receivers = append(p.receivers, r)
}

func (p *pairedTransport) RemoveReceiver(r coap.Receiver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.receivers {
		if existing == r {
			p.receivers = append(p.receivers[:i], p.receivers[i+1:]...)
			return
		}
	}
}

func (p *pairedTransport) LocalAddr() net.Addr { return p.addr }

func newPair() (client, server *pairedTransport) {
	client = &pairedTransport{name: "client", addr: &net.UDPAddr{Port: 1}}
	server = &pairedTransport{name: "server", addr: &net.UDPAddr{Port: 2}}
	client.peer, server.peer = server, client
	return client, server
}

func textResource() []byte {
	out := make([]byte, 0, 100)
	for i := 0; i < 10; i++ {
		out = append(out, []byte("123456789 ")...)
	}
	return out
}

func TestTextResourceGET(t *testing.T) {
	clientTransport, serverTransport := newPair()
	clock := clockwork.NewFakeClock()

	data := textResource()
	handler := coap.RequestHandlerFunc(func(req *coap.Message) (*coap.Message, error) {
		path := req.Opt.UriPath()
		if req.Code != coap.GET || len(path) != 1 || path[0] != "text" {
			return nil, coap.ErrInvalidArgument
		}
		resp := coap.NewMessage(coap.Acknowledgement, coap.Content)
		resp.Payload = data
		return resp, nil
	})

	server, err := New(serverTransport, handler, WithClock(clock))
	if err != nil {
		t.Fatalf("server New: %v", err)
	}
	defer server.Close()

	client, err := New(clientTransport, nil, WithClock(clock))
	if err != nil {
		t.Fatalf("client New: %v", err)
	}
	defer client.Close()

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Remote = serverTransport.addr
	req.Opt.SetUriPath([]string{"text"})
	token, _ := coap.RandomToken(4)
	req.Token = token

	done := make(chan *coap.Message, 1)
	if err := client.Request(req, func(o transaction.Outcome, _ *coap.Message, resp *coap.Message) {
		if o != transaction.Success {
			t.Errorf("outcome = %v, want Success", o)
			close(done)
			return
		}
		done <- resp
	}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	select {
	case resp := <-done:
		if string(resp.Payload) != string(data) {
			t.Fatalf("payload mismatch: got %d bytes, want %d", len(resp.Payload), len(data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}
}

func TestDuplicateRequestHandlerRunsOnce(t *testing.T) {
	clientTransport, serverTransport := newPair()
	clock := clockwork.NewFakeClock()

	var mu sync.Mutex
	calls := 0
	handler := coap.RequestHandlerFunc(func(req *coap.Message) (*coap.Message, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		resp := coap.NewMessage(coap.Acknowledgement, coap.Content)
		resp.Payload = []byte("once")
		return resp, nil
	})

	server, err := New(serverTransport, handler, WithClock(clock))
	if err != nil {
		t.Fatalf("server New: %v", err)
	}
	defer server.Close()

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.SetMID(77)
	req.Token = []byte{0x09}
	req.Remote = serverTransport.addr
	encoded, _ := req.Encode()

	server.Receive(encoded, clientTransport.addr, serverTransport.addr)
	server.Receive(encoded, clientTransport.addr, serverTransport.addr)

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Fatalf("handler called %d times, want 1", got)
	}
	if serverTransport.sentCount != 2 {
		t.Fatalf("expected the stored response to be resent for the duplicate, got %d sends", serverTransport.sentCount)
	}
}

func TestDeferredResponseSendsEmptyAckThenSeparateResponse(t *testing.T) {
	clientTransport, serverTransport := newPair()
	clock := clockwork.NewFakeClock()

	var pending *coap.Message
	var srv *Endpoint
	handler := coap.RequestHandlerFunc(func(req *coap.Message) (*coap.Message, error) {
		pending = req
		return nil, coap.ErrDeferred
	})

	server, err := New(serverTransport, handler, WithClock(clock))
	if err != nil {
		t.Fatalf("server New: %v", err)
	}
	srv = server
	defer server.Close()

	client, err := New(clientTransport, nil, WithClock(clock))
	if err != nil {
		t.Fatalf("client New: %v", err)
	}
	defer client.Close()

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Remote = serverTransport.addr
	token, _ := coap.RandomToken(4)
	req.Token = token

	done := make(chan transaction.Outcome, 1)
	if err := client.Request(req, func(o transaction.Outcome, _ *coap.Message, _ *coap.Message) {
		done <- o
	}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for pending == nil {
		select {
		case <-deadline:
			t.Fatal("handler never ran")
		case <-time.After(time.Millisecond):
		}
	}

	resp := coap.NewMessage(coap.Confirmable, coap.Content)
	resp.Payload = []byte("deferred")
	if err := srv.SendResponse(pending, resp, nil); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}

	select {
	case o := <-done:
		if o != transaction.Success {
			t.Fatalf("outcome = %v, want Success", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deferred response never completed the request")
	}
}
