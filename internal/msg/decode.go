package msg

import "github.com/openbgpd-go/sessiond/internal/bgp"

// Message is a fully decoded BGP message: the header plus a type-specific
// body (*Open, *Update, *Notification, *RouteRefresh, or nil for
// KEEPALIVE).
type Message struct {
	Header *bgp.Header
	Body   interface{}
}

// Decode parses one complete BGP message out of buf, which must contain
// exactly header.Length bytes. The caller — internal/ioloop's message pump
// — is responsible for buffering until a full message is available.
func Decode(buf []byte, minHoldtime uint16) (*Message, *bgp.Error) {
	hdr, err := bgp.ParseHeader(buf)
	if err != nil {
		return nil, err.(*bgp.Error)
	}
	body := buf[bgp.HeaderLen:hdr.Length]

	switch hdr.Type {
	case bgp.MsgOpen:
		o, err := DecodeOpen(body, minHoldtime)
		if err != nil {
			return nil, err
		}
		return &Message{Header: hdr, Body: o}, nil
	case bgp.MsgUpdate:
		return &Message{Header: hdr, Body: DecodeUpdate(body)}, nil
	case bgp.MsgNotification:
		n, err := DecodeNotification(body)
		if err != nil {
			return nil, err
		}
		return &Message{Header: hdr, Body: n}, nil
	case bgp.MsgKeepalive:
		return &Message{Header: hdr, Body: nil}, nil
	case bgp.MsgRouteRefresh:
		r, err := DecodeRouteRefresh(body)
		if err != nil {
			return nil, err
		}
		return &Message{Header: hdr, Body: r}, nil
	}

	return nil, bgp.NewError(bgp.ErrHeader, bgp.SubHeaderBadType, "unreachable: ParseHeader already validated type")
}
