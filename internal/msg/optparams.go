// Package msg implements the BGP-4 message codec: OPEN, UPDATE,
// NOTIFICATION, KEEPALIVE and ROUTE-REFRESH encode/decode. It is grounded
// on taktv6/tbgp's packet/decoder.go and packet/encoder.go cursor style,
// generalized to negotiate capabilities (taktv6/tbgp's own OPEN encoder
// never does — its OptParmLen is always 0).
package msg

import (
	"fmt"

	"github.com/openbgpd-go/sessiond/internal/bgp"
)

// optParamExtSentinel is the OptParmLen value (255) that signals the RFC
// 9072 extended optional-parameters form follows instead of a 1-byte
// length.
const optParamExtSentinel = 255

// maxRegularOptParamLen is the largest opt-params block that still fits in
// the regular (1-byte length) form.
const maxRegularOptParamLen = 254

// encodeOptParams wraps a capability-TLV stream (capability.Encode's
// output) in a single type-2 "Capabilities" optional parameter, then
// chooses the regular or RFC 9072 extended encoding based on size.
func encodeOptParams(capTLVs []byte) []byte {
	// One type-2 optional parameter carrying all capability TLVs.
	param := make([]byte, 0, 2+len(capTLVs))
	param = append(param, 2) // optional parameter type: Capabilities
	if len(capTLVs) > 0xff {
		// Shouldn't happen in the regular form path; caller picks extended
		// form first in that case. Guarded defensively.
		param = append(param, 0xff)
	} else {
		param = append(param, uint8(len(capTLVs)))
	}
	param = append(param, capTLVs...)

	if len(param) <= maxRegularOptParamLen {
		out := make([]byte, 1, 1+len(param))
		out[0] = uint8(len(param))
		return append(out, param...)
	}

	// Extended form: sentinel, 2-byte total length, then the same
	// optional-parameter stream but with a 2-byte length field per param.
	extParam := make([]byte, 0, 3+len(capTLVs))
	extParam = append(extParam, 2)
	extParam = append(extParam, byte(len(capTLVs)>>8), byte(len(capTLVs)))
	extParam = append(extParam, capTLVs...)

	out := make([]byte, 3, 3+len(extParam))
	out[0] = optParamExtSentinel
	out[1] = byte(len(extParam) >> 8)
	out[2] = byte(len(extParam))
	return append(out, extParam...)
}

// decodeOptParams parses the opt-params block starting at buf[0] (the
// OptParmLen octet) and returns the concatenated capability TLV bytes from
// every type-2 optional parameter found, plus the number of bytes consumed.
func decodeOptParams(buf []byte) (capTLVs []byte, consumed int, err error) {
	if len(buf) < 1 {
		return nil, 0, bgp.NewError(bgp.ErrOpen, 0, "truncated opt-params length")
	}

	optParmLen := buf[0]
	if optParmLen != optParamExtSentinel {
		total := 1 + int(optParmLen)
		if len(buf) < total {
			return nil, 0, bgp.NewError(bgp.ErrOpen, 0, "opt-params shorter than declared length")
		}
		caps, err := walkParams(buf[1:total], false)
		return caps, total, err
	}

	if len(buf) < 3 {
		return nil, 0, bgp.NewError(bgp.ErrOpen, 0, "truncated extended opt-params header")
	}
	extLen := int(buf[1])<<8 | int(buf[2])
	total := 3 + extLen
	if len(buf) < total {
		return nil, 0, bgp.NewError(bgp.ErrOpen, 0, "extended opt-params shorter than declared length")
	}
	caps, err := walkParams(buf[3:total], true)
	return caps, total, err
}

// walkParams iterates a stream of optional parameters (regular: 1-byte
// type, 1-byte length; extended: 1-byte type, 2-byte length) and
// concatenates the value bytes of every type-2 (Capabilities) parameter.
func walkParams(buf []byte, extended bool) ([]byte, error) {
	var out []byte
	i := 0
	lenWidth := 1
	if extended {
		lenWidth = 2
	}

	for i < len(buf) {
		if i+1+lenWidth > len(buf) {
			return nil, bgp.NewError(bgp.ErrOpen, bgp.SubOpenUnsupportedOptParam, "truncated optional parameter")
		}
		typ := buf[i]
		var length int
		if extended {
			length = int(buf[i+1])<<8 | int(buf[i+2])
		} else {
			length = int(buf[i+1])
		}
		i += 1 + lenWidth
		if i+length > len(buf) {
			return nil, bgp.NewError(bgp.ErrOpen, bgp.SubOpenUnsupportedOptParam, "optional parameter length runs past end")
		}
		val := buf[i : i+length]
		i += length

		switch typ {
		case 2:
			out = append(out, val...)
		default:
			return nil, bgp.NewError(bgp.ErrOpen, bgp.SubOpenUnsupportedOptParam, fmt.Sprintf("unsupported optional parameter type %d", typ))
		}
	}
	return out, nil
}
