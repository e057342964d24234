package bgp

import "bytes"

// marker is the all-ones 16-byte BGP synchronization marker.
var marker = bytes.Repeat([]byte{0xff}, MarkerLen)

// ParseHeader validates and decodes the 19-byte BGP common header out of buf,
// which must already contain at least HeaderLen bytes. It does not advance
// buf past the header on failure.
//
// Validation order: marker first (a bad marker can never be
// resynchronized, so it is fatal), then length bounds, then type.
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderLen {
		return nil, NewError(ErrHeader, SubHeaderBadLen, "short header")
	}

	if !bytes.Equal(buf[:MarkerLen], marker) {
		return nil, NewError(ErrHeader, SubHeaderSync, "marker is not all-ones")
	}

	length := uint16(buf[MarkerLen])<<8 | uint16(buf[MarkerLen+1])
	typ := buf[MarkerLen+2]

	if length < MinLen || length > MaxLen {
		return nil, NewError(ErrHeader, SubHeaderBadLen, "length out of bounds")
	}

	switch typ {
	case MsgOpen:
		if length < MinOpenLen {
			return nil, NewError(ErrHeader, SubHeaderBadLen, "OPEN too short")
		}
	case MsgUpdate:
		if length < MinUpdateLen {
			return nil, NewError(ErrHeader, SubHeaderBadLen, "UPDATE too short")
		}
	case MsgNotification:
		if length < MinNotificationLen {
			return nil, NewError(ErrHeader, SubHeaderBadLen, "NOTIFICATION too short")
		}
	case MsgKeepalive:
		if length != MinLen {
			return nil, NewError(ErrHeader, SubHeaderBadLen, "KEEPALIVE must be exactly 19 bytes")
		}
	case MsgRouteRefresh:
		if length < MinRouteRefreshLen {
			return nil, NewError(ErrHeader, SubHeaderBadLen, "ROUTE-REFRESH too short")
		}
	default:
		return nil, NewError(ErrHeader, SubHeaderBadType, "unknown message type")
	}

	return &Header{Length: length, Type: typ}, nil
}

// PutHeader writes the 19-byte header (marker, length, type) into the front
// of buf, which must be at least HeaderLen bytes long.
func PutHeader(buf []byte, length uint16, typ uint8) {
	copy(buf[:MarkerLen], marker)
	buf[MarkerLen] = byte(length >> 8)
	buf[MarkerLen+1] = byte(length)
	buf[MarkerLen+2] = typ
}
