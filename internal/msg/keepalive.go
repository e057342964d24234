package msg

import "github.com/openbgpd-go/sessiond/internal/bgp"

// EncodeKeepalive returns a bare 19-byte KEEPALIVE message.
func EncodeKeepalive() []byte {
	buf := make([]byte, bgp.HeaderLen)
	bgp.PutHeader(buf, bgp.HeaderLen, bgp.MsgKeepalive)
	return buf
}
