package coap

// ExtractBlock slices data into the block numbered num at size exponent
// szx, returning the slice and whether more blocks follow. It returns
// (nil, false) when num addresses past the end of data.
func ExtractBlock(data []byte, num uint32, szx uint8) ([]byte, bool) {
	size := BlockSize(szx)
	offset := int(num) * size
	if offset >= len(data) {
		return nil, false
	}
	end := offset + size
	more := end < len(data)
	if !more {
		end = len(data)
	}
	return data[offset:end], more
}

// BuildBlock1Request constructs a block1 request carrying one slice of
// data. code must be PUT or POST and mtype must be Confirmable or
// NonConfirmable; num must address a block within data.
func BuildBlock1Request(data []byte, num uint32, uriPath []string, mtype Type, code Code, szx uint8) (*Message, error) {
	if code != PUT && code != POST {
		return nil, ErrInvalidArgument
	}
	if mtype != Confirmable && mtype != NonConfirmable {
		return nil, ErrInvalidArgument
	}
	block, more := ExtractBlock(data, num, szx)
	if block == nil {
		return nil, ErrInvalidArgument
	}

	token, err := RandomToken(MaxTokenLength)
	if err != nil {
		return nil, err
	}

	req := NewMessage(mtype, code)
	req.Token = token
	req.Payload = block
	req.Opt.SetUriPath(uriPath)
	req.Opt.SetBlock1(Block{Num: num, M: more, Szx: szx})
	return req, nil
}

// BuildBlock2Request constructs a GET requesting block number num of a
// block2 transfer.
func BuildBlock2Request(num uint32, uriPath []string, mtype Type, szx uint8) (*Message, error) {
	if mtype != Confirmable && mtype != NonConfirmable {
		return nil, ErrInvalidArgument
	}

	token, err := RandomToken(MaxTokenLength)
	if err != nil {
		return nil, err
	}

	req := NewMessage(mtype, GET)
	req.Token = token
	req.Opt.SetUriPath(uriPath)
	req.Opt.SetBlock2(Block{Num: num, M: false, Szx: szx})
	return req, nil
}

// BuildBlock2Response constructs the response carrying the block of data
// requested by request's Block2 option. The response is a piggy-backed
// ACK when request is Confirmable, otherwise a NON carrying request's
// token.
func BuildBlock2Response(data []byte, request *Message) (*Message, error) {
	block2, ok := request.Opt.Block2()
	if !ok {
		return nil, ErrInvalidArgument
	}
	payload, more := ExtractBlock(data, block2.Num, block2.Szx)
	if payload == nil {
		return nil, ErrInvalidArgument
	}

	var resp *Message
	if request.Type == Confirmable {
		resp = PiggybackedAck(request, Content, payload)
	} else {
		resp = NewMessage(NonConfirmable, Content)
		resp.Token = request.Token
		resp.Payload = payload
		resp.Remote = request.Remote
	}
	resp.Opt.SetBlock2(Block{Num: block2.Num, M: more, Szx: block2.Szx})
	return resp, nil
}

// BuildBlock1Response constructs the acknowledgement for one block1
// request: a 2.31 Continue echoing the block1 option while more data is
// expected, or a 2.04 Changed once the final block (M=false) has arrived.
// Inbound reassembly of the accumulated payload is out of scope; the
// caller is responsible for buffering blocks as they arrive.
func BuildBlock1Response(request *Message) (*Message, error) {
	block1, ok := request.Opt.Block1()
	if !ok {
		return nil, ErrInvalidArgument
	}

	code := Changed
	if block1.M {
		code = Continue
	}

	var resp *Message
	if request.Type == Confirmable {
		resp = PiggybackedAck(request, code, nil)
	} else {
		resp = NewMessage(NonConfirmable, code)
		resp.Token = request.Token
		resp.Remote = request.Remote
	}
	resp.Opt.SetBlock1(block1)
	return resp, nil
}
