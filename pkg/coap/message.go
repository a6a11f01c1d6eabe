package coap

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Message is a single CoAP message: header, token, options and payload,
// plus the transient fields Remote and Timeout that never cross the wire.
type Message struct {
	Version uint8
	Type    Type
	Code    Code
	MID     uint16
	Token   []byte
	Opt     *Options
	Payload []byte

	// Remote is the peer endpoint address this message came from (inbound)
	// or is destined to (outbound).
	Remote net.Addr

	// Timeout overrides how long the transaction layer waits for a
	// response to this request before declaring it timed out. Zero means
	// "use RequestTimeout".
	Timeout time.Duration

	midAssigned bool
}

// NewMessage returns a Message with an initialized, empty option set.
func NewMessage(mtype Type, code Code) *Message {
	return &Message{
		Version: 1,
		Type:    mtype,
		Code:    code,
		Opt:     NewOptions(),
	}
}

// IsRequest reports whether Code is a request method code.
func (m *Message) IsRequest() bool { return m.Code.IsRequest() }

// IsResponse reports whether Code is a response code.
func (m *Message) IsResponse() bool { return m.Code.IsResponse() }

// IsSuccess reports whether Code is a 2.xx response code.
func (m *Message) IsSuccess() bool { return m.Code.IsSuccess() }

// HasMID reports whether a message ID has been assigned yet.
func (m *Message) HasMID() bool { return m.midAssigned }

// Encode serializes m into its wire representation. Encoding requires
// both Type and a message ID to have been set.
func (m *Message) Encode() ([]byte, error) {
	if !m.midAssigned {
		return nil, wrapMalformed("message ID not set")
	}
	if len(m.Token) > MaxTokenLength {
		return nil, wrapMalformed("token too long")
	}

	header := make([]byte, 4)
	header[0] = (1 << 6) | (uint8(m.Type) << 4) | uint8(len(m.Token))
	header[1] = byte(m.Code)
	binary.BigEndian.PutUint16(header[2:4], m.MID)

	out := make([]byte, 0, 4+len(m.Token)+32+len(m.Payload)+1)
	out = append(out, header...)
	out = append(out, m.Token...)
	if m.Opt != nil {
		out = append(out, encodeOptions(m.Opt)...)
	}
	if len(m.Payload) > 0 {
		out = append(out, 0xFF)
		out = append(out, m.Payload...)
	}
	return out, nil
}

// SetMID assigns a message ID, marking it as explicitly set (so Encode's
// precondition is satisfied even when the chosen ID happens to be 0).
func (m *Message) SetMID(mid uint16) {
	m.MID = mid
	m.midAssigned = true
}

// Decode parses data into a new Message tagged with remote as its peer
// address. It fails with ErrMalformedMessage when the version is not 1,
// the token length exceeds 8, or option decoding fails.
func Decode(data []byte, remote net.Addr) (*Message, error) {
	if len(data) < 4 {
		return nil, wrapMalformed("header too short")
	}
	first := data[0]
	version := (first >> 6) & 0x03
	if version != 1 {
		return nil, wrapMalformed("unsupported protocol version")
	}
	mtype := Type((first >> 4) & 0x03)
	tokenLen := int(first & 0x0F)
	if tokenLen > MaxTokenLength {
		return nil, wrapMalformed("token length exceeds 8")
	}

	code := Code(data[1])
	mid := binary.BigEndian.Uint16(data[2:4])

	rest := data[4:]
	if tokenLen > len(rest) {
		return nil, wrapMalformed("token truncated")
	}
	token := make([]byte, tokenLen)
	copy(token, rest[:tokenLen])
	rest = rest[tokenLen:]

	opts, payload, err := decodeOptions(rest)
	if err != nil {
		// Keep the ErrBadOption cause reachable through errors.Is as well.
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	m := &Message{
		Version: 1,
		Type:    mtype,
		Code:    code,
		MID:     mid,
		Token:   token,
		Opt:     opts,
		Payload: payload,
		Remote:  remote,
	}
	m.midAssigned = true
	return m, nil
}

// PiggybackedAck builds the ACK that carries a synchronous response inside
// the acknowledgement of request.
func PiggybackedAck(request *Message, code Code, payload []byte) *Message {
	resp := NewMessage(Acknowledgement, code)
	resp.SetMID(request.MID)
	resp.Token = request.Token
	resp.Payload = payload
	resp.Remote = request.Remote
	return resp
}

// EmptyAck builds an empty ACK (mtype=ACK, code=Empty) for request,
// carrying neither token nor payload.
func EmptyAck(request *Message) *Message {
	m := NewMessage(Acknowledgement, Empty)
	m.SetMID(request.MID)
	m.Remote = request.Remote
	return m
}

// EmptyReset builds an empty RST for request.
func EmptyReset(request *Message) *Message {
	m := NewMessage(Reset, Empty)
	m.SetMID(request.MID)
	m.Remote = request.Remote
	return m
}
