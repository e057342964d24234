package msg

import "github.com/openbgpd-go/sessiond/internal/bgp"

// Notification is a decoded/to-be-encoded NOTIFICATION message
// (RFC 4271 §4.5).
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

// EncodeNotification serializes n, truncating Data to fit within the
// maximum BGP message size if necessary: oversize data is truncated to
// max-packet minus header.
func EncodeNotification(n *Notification) []byte {
	data := n.Data
	if len(data) > bgp.MaxNotificationDataLen {
		data = data[:bgp.MaxNotificationDataLen]
	}

	total := bgp.HeaderLen + 2 + len(data)
	buf := make([]byte, total)
	bgp.PutHeader(buf, uint16(total), bgp.MsgNotification)
	buf[bgp.HeaderLen] = n.Code
	buf[bgp.HeaderLen+1] = n.Subcode
	copy(buf[bgp.HeaderLen+2:], data)
	return buf
}

// DecodeNotification parses a NOTIFICATION body (bytes after the header).
func DecodeNotification(body []byte) (*Notification, *bgp.Error) {
	if len(body) < 2 {
		return nil, bgp.NewError(bgp.ErrUpdate, 0, "NOTIFICATION body too short")
	}
	n := &Notification{
		Code:    body[0],
		Subcode: body[1],
	}
	if len(body) > 2 {
		n.Data = append([]byte(nil), body[2:]...)
	}
	return n, nil
}

// EncodeAdminShutdownReason builds the optional UTF-8 shutdown reason
// string used with Cease/AdminShutdown and Cease/AdminReset: a leading
// length byte followed by up to 128 bytes of UTF-8 text.
func EncodeAdminShutdownReason(reason string) []byte {
	b := []byte(reason)
	if len(b) > 128 {
		b = b[:128]
	}
	out := make([]byte, 1+len(b))
	out[0] = uint8(len(b))
	copy(out[1:], b)
	return out
}
