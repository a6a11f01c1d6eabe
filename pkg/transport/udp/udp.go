// Package udp implements coap.Transport over a UDP socket, including
// IPv4 multicast TTL and loopback configuration for CoAP's multicast
// discovery use case (RFC 7252 §8).
package udp

import (
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/junbin-yang/coap-go/pkg/coap"
	"github.com/junbin-yang/coap-go/pkg/utils/logger"
)

// MaxDatagramSize is the largest UDP payload this transport will
// attempt to read in one call; CoAP over UDP is expected to stay well
// under the path MTU.
const MaxDatagramSize = 1500

// MulticastTTL is the outbound TTL set on sockets that join a multicast
// group.
const MulticastTTL = 64

// Transport is a coap.Transport backed by a single net.UDPConn.
type Transport struct {
	conn      *net.UDPConn
	packet    *ipv4.PacketConn
	localAddr *net.UDPAddr
	log       *logger.Logger

	mu        sync.Mutex
	receivers []coap.Receiver
	closed    bool
	wg        sync.WaitGroup
}

// New returns a Transport bound to addr. Pass nil to bind to an
// ephemeral port on all interfaces, as a client would.
func New(addr *net.UDPAddr, log *logger.Logger) *Transport {
	if log == nil {
		log = logger.Default()
	}
	if addr == nil {
		addr = &net.UDPAddr{IP: net.IPv4zero, Port: 0}
	}
	return &Transport{log: log, localAddr: addr}
}

// Open binds the UDP socket and starts the receive loop. Multicast
// sockets should call JoinMulticast after Open.
func (t *Transport) Open() error {
	conn, err := net.ListenUDP("udp", t.localAddr)
	if err != nil {
		return err
	}
	t.conn = conn
	t.packet = ipv4.NewPacketConn(conn)

	t.wg.Add(1)
	go t.receiveLoop()
	return nil
}

// JoinMulticast joins group on every interface with multicast support,
// sets the outbound TTL, and disables loopback delivery of this
// endpoint's own multicast datagrams, mirroring the discovery socket's
// setup.
func (t *Transport) JoinMulticast(group *net.UDPAddr) error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	joined := false
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := t.packet.JoinGroup(iface, group); err == nil {
			joined = true
		}
	}
	if !joined {
		return coap.ErrInvalidArgument
	}
	if err := t.packet.SetMulticastTTL(MulticastTTL); err != nil {
		return err
	}
	return t.packet.SetMulticastLoopback(false)
}

func (t *Transport) receiveLoop() {
	defer t.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		n, remote, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.log.Warnf("coap: udp read failed: %v", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		t.mu.Lock()
		receivers := make([]coap.Receiver, len(t.receivers))
		copy(receivers, t.receivers)
		t.mu.Unlock()

		local := t.conn.LocalAddr()
		for _, r := range receivers {
			r.Receive(data, remote, local)
		}
	}
}

// Send writes data to remote as a single UDP datagram.
func (t *Transport) Send(data []byte, remote net.Addr) error {
	udpAddr, ok := remote.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", remote.String())
		if err != nil {
			return err
		}
		udpAddr = resolved
	}
	_, err := t.conn.WriteToUDP(data, udpAddr)
	return err
}

// RegisterReceiver adds r to the set of receivers notified of inbound
// datagrams.
func (t *Transport) RegisterReceiver(r coap.Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receivers = append(t.receivers, r)
}

// RemoveReceiver removes r from the receiver set.
func (t *Transport) RemoveReceiver(r coap.Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.receivers {
		if existing == r {
			t.receivers = append(t.receivers[:i], t.receivers[i+1:]...)
			return
		}
	}
}

// LocalAddr returns the UDP socket's bound local address.
func (t *Transport) LocalAddr() net.Addr {
	if t.conn == nil {
		return t.localAddr
	}
	return t.conn.LocalAddr()
}

// Close stops the receive loop and closes the socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.conn.Close()
	t.wg.Wait()
	return err
}
