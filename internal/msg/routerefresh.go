package msg

import "github.com/openbgpd-go/sessiond/internal/bgp"

// RouteRefresh is a decoded/to-be-encoded ROUTE-REFRESH message
// (RFC 2918 / RFC 7313).
type RouteRefresh struct {
	AFI  uint16
	SAFI uint8
}

// EncodeRouteRefresh serializes a ROUTE-REFRESH request for one AFI/SAFI.
func EncodeRouteRefresh(r *RouteRefresh) []byte {
	total := bgp.HeaderLen + 4
	buf := make([]byte, total)
	bgp.PutHeader(buf, uint16(total), bgp.MsgRouteRefresh)
	i := bgp.HeaderLen
	buf[i] = byte(r.AFI >> 8)
	buf[i+1] = byte(r.AFI)
	buf[i+2] = 0 // reserved
	buf[i+3] = r.SAFI
	return buf
}

// DecodeRouteRefresh parses a ROUTE-REFRESH body.
func DecodeRouteRefresh(body []byte) (*RouteRefresh, *bgp.Error) {
	if len(body) < 4 {
		return nil, bgp.NewError(bgp.ErrHeader, bgp.SubHeaderBadLen, "ROUTE-REFRESH body too short")
	}
	return &RouteRefresh{
		AFI:  uint16(body[0])<<8 | uint16(body[1]),
		SAFI: body[3],
	}, nil
}
