package coap

import (
	"encoding/binary"
)

// readExtendedFieldValue decodes an option delta or length nibble per
// RFC 7252 §3.1: values 0-12 are literal, 13 means "one extended byte
// follows, add 13", 14 means "two extended bytes follow (big-endian),
// add 269". It returns the decoded value and the remaining bytes after
// consuming any extended-value bytes.
func readExtendedFieldValue(nibble int, rest []byte) (int, []byte, error) {
	switch {
	case nibble < 13:
		return nibble, rest, nil
	case nibble == 13:
		if len(rest) < 1 {
			return 0, nil, wrapBadOption("truncated extended option value")
		}
		return int(rest[0]) + 13, rest[1:], nil
	case nibble == 14:
		if len(rest) < 2 {
			return 0, nil, wrapBadOption("truncated extended option value")
		}
		return int(binary.BigEndian.Uint16(rest[:2])) + 269, rest[2:], nil
	default:
		return 0, nil, wrapBadOption("reserved option nibble 15")
	}
}

// writeExtendedFieldValue encodes a delta or length value into its nibble
// and any extended bytes that must follow it.
func writeExtendedFieldValue(value int) (nibble uint8, extended []byte) {
	switch {
	case value < 13:
		return uint8(value), nil
	case value < 269:
		return 13, []byte{uint8(value - 13)}
	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(value-269))
		return 14, ext
	}
}

// decodeOptions parses the option section of a message starting at data,
// returning the populated Options and the payload that follows the 0xFF
// marker (or nil if there is none).
func decodeOptions(data []byte) (*Options, []byte, error) {
	opts := NewOptions()
	number := uint16(0)

	for len(data) > 0 {
		if data[0] == 0xFF {
			return opts, data[1:], nil
		}

		header := data[0]
		data = data[1:]
		deltaNibble := int(header>>4) & 0x0F
		lengthNibble := int(header) & 0x0F

		delta, rest, err := readExtendedFieldValue(deltaNibble, data)
		if err != nil {
			return nil, nil, err
		}
		data = rest

		length, rest, err := readExtendedFieldValue(lengthNibble, data)
		if err != nil {
			return nil, nil, err
		}
		data = rest

		number += uint16(delta)
		if length > len(data) {
			return nil, nil, wrapBadOption("option value overruns message")
		}
		value := data[:length]
		data = data[length:]

		opt, err := decodeOptionValue(number, value)
		if err != nil {
			return nil, nil, err
		}
		opts.Add(opt)
	}

	return opts, nil, nil
}

func decodeOptionValue(number uint16, raw []byte) (Option, error) {
	kind := kindForNumber(number)
	switch kind {
	case KindEmpty:
		return Option{Number: number, Kind: kind, Value: nil}, nil
	case KindString:
		return Option{Number: number, Kind: kind, Value: string(raw)}, nil
	case KindUint:
		return Option{Number: number, Kind: kind, Value: decodeUint(raw)}, nil
	case KindBlock:
		b, err := decodeBlockValue(raw)
		if err != nil {
			return Option{}, err
		}
		return Option{Number: number, Kind: kind, Value: b}, nil
	default:
		value := make([]byte, len(raw))
		copy(value, raw)
		return Option{Number: number, Kind: KindOpaque, Value: value}, nil
	}
}

// decodeUint parses a minimal big-endian unsigned integer: zero bytes
// means 0, otherwise the value is the bytes read as big-endian with no
// assumption about a fixed width.
func decodeUint(raw []byte) uint32 {
	var v uint32
	for _, b := range raw {
		v = (v << 8) | uint32(b)
	}
	return v
}

// encodeUint emits a value as minimal big-endian bytes: 0 encodes to zero
// bytes, otherwise the fewest bytes needed with no leading zero byte.
func encodeUint(v uint32) []byte {
	if v == 0 {
		return nil
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	i := 0
	for i < len(buf)-1 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

func decodeBlockValue(raw []byte) (Block, error) {
	if len(raw) > 3 {
		return Block{}, wrapBadOption("block option value too long")
	}
	asInt := decodeUint(raw)
	return Block{
		Num: asInt >> 4,
		M:   asInt&0x08 != 0,
		Szx: uint8(asInt & 0x07),
	}, nil
}

func encodeBlockValue(b Block) []byte {
	asInt := (b.Num << 4) | boolBit(b.M)<<3 | uint32(b.Szx)
	return encodeUint(asInt)
}

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func encodeOptionValue(opt Option) []byte {
	switch opt.Kind {
	case KindEmpty:
		return nil
	case KindString:
		if s, ok := opt.Value.(string); ok {
			return []byte(s)
		}
		return nil
	case KindUint:
		if v, ok := opt.Value.(uint32); ok {
			return encodeUint(v)
		}
		return nil
	case KindBlock:
		if b, ok := opt.Value.(Block); ok {
			return encodeBlockValue(b)
		}
		return nil
	default:
		if v, ok := opt.Value.([]byte); ok {
			return v
		}
		return nil
	}
}

// encodeOptions serializes every option in ascending number order,
// delta-encoding each number against the previous one.
func encodeOptions(opts *Options) []byte {
	out := make([]byte, 0, 32)
	prev := uint16(0)
	for _, opt := range opts.sorted() {
		value := encodeOptionValue(opt)
		delta := int(opt.Number - prev)
		length := len(value)

		deltaNibble, deltaExt := writeExtendedFieldValue(delta)
		lengthNibble, lengthExt := writeExtendedFieldValue(length)

		out = append(out, (deltaNibble<<4)|lengthNibble)
		out = append(out, deltaExt...)
		out = append(out, lengthExt...)
		out = append(out, value...)

		prev = opt.Number
	}
	return out
}
