package msg

import (
	"github.com/openbgpd-go/sessiond/internal/bgp"
	"github.com/openbgpd-go/sessiond/internal/capability"
	"github.com/taktv6/tflow2/convert"
)

// Open is a decoded/to-be-encoded OPEN message (RFC 4271 §4.2).
type Open struct {
	Version       uint8
	ASN           uint16 // AS_TRANS (23456) when the real AS doesn't fit
	HoldTime      uint16
	Identifier    uint32
	Capabilities  *capability.Set
}

// EncodeOpen serializes o, including its capability set as an opt-params
// block, switching to the RFC 9072 extended form as needed.
func EncodeOpen(o *Open) []byte {
	capTLVs := capability.Encode(o.Capabilities)
	optParams := encodeOptParams(capTLVs)

	bodyLen := 9 + len(optParams)
	total := bgp.HeaderLen + bodyLen
	buf := make([]byte, total)
	bgp.PutHeader(buf, uint16(total), bgp.MsgOpen)

	i := bgp.HeaderLen
	buf[i] = o.Version
	i++
	copy(buf[i:i+2], convert.Uint16Byte(o.ASN))
	i += 2
	copy(buf[i:i+2], convert.Uint16Byte(o.HoldTime))
	i += 2
	copy(buf[i:i+4], convert.Uint32Byte(o.Identifier))
	i += 4
	copy(buf[i:], optParams)

	return buf
}

// DecodeOpen parses an OPEN body (the bytes following the 19-byte header).
// minHoldtime is the locally configured minimum acceptable holdtime.
func DecodeOpen(body []byte, minHoldtime uint16) (*Open, *bgp.Error) {
	if len(body) < 10 {
		return nil, bgp.NewError(bgp.ErrOpen, 0, "OPEN body too short")
	}

	o := &Open{
		Version:    body[0],
		ASN:        uint16(body[1])<<8 | uint16(body[2]),
		HoldTime:   uint16(body[3])<<8 | uint16(body[4]),
		Identifier: uint32(body[5])<<24 | uint32(body[6])<<16 | uint32(body[7])<<8 | uint32(body[8]),
	}

	if o.Version != bgp.Version {
		return nil, bgp.NewError(bgp.ErrOpen, bgp.SubOpenUnsupportedVersion, "unsupported BGP version")
	}
	if o.ASN == 0 {
		return nil, bgp.NewError(bgp.ErrOpen, bgp.SubOpenBadPeerAS, "AS must not be 0")
	}
	if o.Identifier == 0 {
		return nil, bgp.NewError(bgp.ErrOpen, bgp.SubOpenBadBGPIdentifier, "BGP identifier must not be 0")
	}
	if o.HoldTime != 0 && o.HoldTime < minHoldtime {
		return nil, bgp.NewError(bgp.ErrOpen, bgp.SubOpenUnacceptableHoldTime, "holdtime below configured minimum")
	}

	capTLVs, _, err := decodeOptParams(body[9:])
	if err != nil {
		return nil, err.(*bgp.Error)
	}

	caps, decErr := capability.Decode(capTLVs)
	if decErr != nil {
		return nil, bgp.NewError(bgp.ErrOpen, 0, decErr.Error())
	}
	o.Capabilities = caps

	return o, nil
}
