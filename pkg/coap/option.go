package coap

import "sort"

// OptionKind classifies how an option's value is interpreted, per RFC 7252
// §3.2.
type OptionKind uint8

const (
	KindOpaque OptionKind = iota
	KindString
	KindUint
	KindBlock
	KindEmpty
)

// Block is the decoded form of a Block1/Block2 option value (RFC 7959 §2.2).
type Block struct {
	Num uint32
	M   bool
	Szx uint8
}

// BlockSize returns the size in bytes represented by szx: 2^(szx+4).
func BlockSize(szx uint8) int {
	return 1 << (uint(szx) + 4)
}

// Option is a single tagged option value. Value holds one of []byte, string,
// uint32 or Block depending on Kind.
type Option struct {
	Number uint16
	Kind   OptionKind
	Value  interface{}
}

func kindForNumber(number uint16) OptionKind {
	switch number {
	case OptionIfMatch, OptionETag:
		return KindOpaque
	case OptionIfNoneMatch:
		return KindEmpty
	case OptionUriHost, OptionLocationPath, OptionUriPath, OptionUriQuery,
		OptionLocationQuery, OptionProxyUri, OptionProxyScheme:
		return KindString
	case OptionObserve, OptionUriPort, OptionContentFormat, OptionMaxAge,
		OptionAccept, OptionSize2, OptionSize1:
		return KindUint
	case OptionBlock1, OptionBlock2:
		return KindBlock
	default:
		return KindOpaque
	}
}

// Options is an ordered multimap of option number to the list of option
// values carried under that number, preserving insertion order within a
// number and emitting numbers in ascending order on the wire.
type Options struct {
	byNumber map[uint16][]Option
}

// NewOptions returns an empty option multimap.
func NewOptions() *Options {
	return &Options{byNumber: make(map[uint16][]Option)}
}

// Add appends an option value under its number, preserving any existing
// values already present for that number.
func (o *Options) Add(opt Option) {
	if o.byNumber == nil {
		o.byNumber = make(map[uint16][]Option)
	}
	o.byNumber[opt.Number] = append(o.byNumber[opt.Number], opt)
}

// Delete removes every option under number.
func (o *Options) Delete(number uint16) {
	delete(o.byNumber, number)
}

// Get returns the options stored under number, in insertion order.
func (o *Options) Get(number uint16) []Option {
	return o.byNumber[number]
}

// Numbers returns the set of option numbers present, ascending.
func (o *Options) Numbers() []uint16 {
	nums := make([]uint16, 0, len(o.byNumber))
	for n := range o.byNumber {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// sorted returns every option in ascending number order, preserving
// insertion order within a number, ready for wire emission.
func (o *Options) sorted() []Option {
	nums := o.Numbers()
	out := make([]Option, 0, len(nums))
	for _, n := range nums {
		out = append(out, o.byNumber[n]...)
	}
	return out
}

func (o *Options) Clone() *Options {
	clone := NewOptions()
	for n, opts := range o.byNumber {
		cp := make([]Option, len(opts))
		copy(cp, opts)
		clone.byNumber[n] = cp
	}
	return clone
}

// --- typed accessors -------------------------------------------------

func (o *Options) setStrings(number uint16, segments []string) {
	o.Delete(number)
	for _, s := range segments {
		o.Add(Option{Number: number, Kind: KindString, Value: s})
	}
}

func (o *Options) getStrings(number uint16) []string {
	opts := o.Get(number)
	out := make([]string, 0, len(opts))
	for _, opt := range opts {
		if s, ok := opt.Value.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// UriPath returns the Uri-Path option segments in order.
func (o *Options) UriPath() []string { return o.getStrings(OptionUriPath) }

// SetUriPath replaces the Uri-Path option with segments. Passing a bare
// string is a caller error: the API requires a slice of path segments.
func (o *Options) SetUriPath(segments []string) { o.setStrings(OptionUriPath, segments) }

// UriQuery returns the Uri-Query option segments in order.
func (o *Options) UriQuery() []string { return o.getStrings(OptionUriQuery) }

// SetUriQuery replaces the Uri-Query option with segments.
func (o *Options) SetUriQuery(segments []string) { o.setStrings(OptionUriQuery, segments) }

// LocationPath returns the Location-Path option segments in order.
func (o *Options) LocationPath() []string { return o.getStrings(OptionLocationPath) }

// SetLocationPath replaces the Location-Path option with segments.
func (o *Options) SetLocationPath(segments []string) { o.setStrings(OptionLocationPath, segments) }

func (o *Options) blockValue(number uint16) (Block, bool) {
	opts := o.Get(number)
	if len(opts) == 0 {
		return Block{}, false
	}
	b, ok := opts[0].Value.(Block)
	return b, ok
}

// Block1 returns the Block1 option, if present.
func (o *Options) Block1() (Block, bool) { return o.blockValue(OptionBlock1) }

// SetBlock1 replaces the Block1 option.
func (o *Options) SetBlock1(b Block) {
	o.Delete(OptionBlock1)
	o.Add(Option{Number: OptionBlock1, Kind: KindBlock, Value: b})
}

// Block2 returns the Block2 option, if present.
func (o *Options) Block2() (Block, bool) { return o.blockValue(OptionBlock2) }

// SetBlock2 replaces the Block2 option.
func (o *Options) SetBlock2(b Block) {
	o.Delete(OptionBlock2)
	o.Add(Option{Number: OptionBlock2, Kind: KindBlock, Value: b})
}

func (o *Options) uintValue(number uint16) (uint32, bool) {
	opts := o.Get(number)
	if len(opts) == 0 {
		return 0, false
	}
	v, ok := opts[0].Value.(uint32)
	return v, ok
}

func (o *Options) setUint(number uint16, v uint32) {
	o.Delete(number)
	o.Add(Option{Number: number, Kind: KindUint, Value: v})
}

// ContentFormat returns the Content-Format option value, if present.
func (o *Options) ContentFormat() (uint32, bool) { return o.uintValue(OptionContentFormat) }

// SetContentFormat replaces the Content-Format option.
func (o *Options) SetContentFormat(v uint32) { o.setUint(OptionContentFormat, v) }

// Accept returns the Accept option value, if present.
func (o *Options) Accept() (uint32, bool) { return o.uintValue(OptionAccept) }

// SetAccept replaces the Accept option.
func (o *Options) SetAccept(v uint32) { o.setUint(OptionAccept, v) }

// Observe returns the Observe option value, if present.
func (o *Options) Observe() (uint32, bool) { return o.uintValue(OptionObserve) }

// SetObserve replaces the Observe option.
func (o *Options) SetObserve(v uint32) { o.setUint(OptionObserve, v) }

// ETag returns the single ETag option value used on responses.
func (o *Options) ETag() ([]byte, bool) {
	opts := o.Get(OptionETag)
	if len(opts) == 0 {
		return nil, false
	}
	v, ok := opts[0].Value.([]byte)
	return v, ok
}

// SetETag replaces the ETag option with a single opaque value, as used on
// responses. Pass nil to remove it.
func (o *Options) SetETag(tag []byte) {
	o.Delete(OptionETag)
	if tag != nil {
		o.Add(Option{Number: OptionETag, Kind: KindOpaque, Value: tag})
	}
}

// ETags returns every ETag option value, as used on requests carrying
// multiple If-Match-style candidates.
func (o *Options) ETags() [][]byte {
	opts := o.Get(OptionETag)
	out := make([][]byte, 0, len(opts))
	for _, opt := range opts {
		if v, ok := opt.Value.([]byte); ok {
			out = append(out, v)
		}
	}
	return out
}

// SetETags replaces the ETag options with a list of opaque values, as used
// on requests.
func (o *Options) SetETags(tags [][]byte) {
	o.Delete(OptionETag)
	for _, tag := range tags {
		o.Add(Option{Number: OptionETag, Kind: KindOpaque, Value: tag})
	}
}
