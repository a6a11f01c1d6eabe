package coap

import (
	"bytes"
	"strings"
	"testing"
)

func textResourcePayload() []byte {
	return []byte(strings.Repeat("123456789 ", 10))
}

func TestExtractBlockMore(t *testing.T) {
	data := textResourcePayload() // 100 bytes
	block, more := ExtractBlock(data, 0, 2)
	if len(block) != BlockSize(2) {
		t.Fatalf("block size = %d, want %d", len(block), BlockSize(2))
	}
	if !more {
		t.Fatal("expected more blocks to follow")
	}
}

func TestExtractBlockLast(t *testing.T) {
	data := textResourcePayload() // 100 bytes, szx=2 -> 64-byte blocks
	block, more := ExtractBlock(data, 1, 2)
	if more {
		t.Fatal("expected no more blocks after the final one")
	}
	if !bytes.Equal(block, data[64:]) {
		t.Fatalf("final block = %q, want %q", block, data[64:])
	}
}

func TestExtractBlockPastEnd(t *testing.T) {
	data := textResourcePayload()
	block, more := ExtractBlock(data, 10, 2)
	if block != nil || more {
		t.Fatalf("expected (nil, false) past the end, got (%v, %v)", block, more)
	}
}

func TestBuildBlock2ResponsePiggybacked(t *testing.T) {
	data := textResourcePayload()
	req := NewMessage(Confirmable, GET)
	req.SetMID(5)
	req.Token = []byte{0x01}
	req.Opt.SetBlock2(Block{Num: 0, Szx: 2})

	resp, err := BuildBlock2Response(data, req)
	if err != nil {
		t.Fatalf("BuildBlock2Response: %v", err)
	}
	if resp.Type != Acknowledgement || resp.MID != req.MID {
		t.Fatalf("expected piggybacked ack, got %+v", resp)
	}
	b2, ok := resp.Opt.Block2()
	if !ok || b2.Num != 0 || !b2.M {
		t.Fatalf("unexpected block2 option: %+v, %v", b2, ok)
	}
	if len(resp.Payload) != BlockSize(2) {
		t.Fatalf("payload length = %d", len(resp.Payload))
	}
}

func TestBuildBlock1ResponseContinueThenChanged(t *testing.T) {
	req := NewMessage(Confirmable, PUT)
	req.SetMID(6)
	req.Token = []byte{0x02}
	req.Opt.SetBlock1(Block{Num: 0, M: true, Szx: 2})

	resp, err := BuildBlock1Response(req)
	if err != nil {
		t.Fatalf("BuildBlock1Response: %v", err)
	}
	if resp.Code != Continue {
		t.Fatalf("expected 2.31 Continue while M=true, got %v", resp.Code)
	}

	req.Opt.SetBlock1(Block{Num: 1, M: false, Szx: 2})
	final, err := BuildBlock1Response(req)
	if err != nil {
		t.Fatalf("BuildBlock1Response: %v", err)
	}
	if final.Code != Changed {
		t.Fatalf("expected 2.04 Changed on the final block, got %v", final.Code)
	}
}

func TestBuildBlock1RequestRejectsWrongCode(t *testing.T) {
	_, err := BuildBlock1Request([]byte("data"), 0, []string{"a"}, Confirmable, GET, 2)
	if err == nil {
		t.Fatal("expected error for GET in a block1 request")
	}
}
