package msg

import "github.com/openbgpd-go/sessiond/internal/bgp"

// Update carries an UPDATE message's body opaquely: this engine never
// parses path attributes or NLRI beyond what is needed to frame the
// message for the Route Decision Engine — the RDE owns attribute
// semantics.
type Update struct {
	Body []byte
}

// EncodeUpdate wraps body in a header-prefixed UPDATE message.
func EncodeUpdate(body []byte) []byte {
	total := bgp.HeaderLen + len(body)
	buf := make([]byte, total)
	bgp.PutHeader(buf, uint16(total), bgp.MsgUpdate)
	copy(buf[bgp.HeaderLen:], body)
	return buf
}

// DecodeUpdate returns the UPDATE body unparsed, for forwarding to the RDE.
func DecodeUpdate(body []byte) *Update {
	cp := make([]byte, len(body))
	copy(cp, body)
	return &Update{Body: cp}
}

// IsEndOfRIB reports whether an UPDATE is the RFC 4724 End-of-RIB marker:
// an UPDATE with a body that is exactly withdrawn-len=0, path-attr-len=0
// and no NLRI, i.e. 4 zero bytes for IPv4, or the empty body some
// implementations send.
func IsEndOfRIB(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	if len(body) == 4 {
		return body[0] == 0 && body[1] == 0 && body[2] == 0 && body[3] == 0
	}
	return false
}
