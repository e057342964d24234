// Package capability builds the capabilities a peer announces in its OPEN
// message, parses the peer's announced set, and computes the negotiated
// set the FSM uses once a session reaches OpenConfirm.
//
// taktv6/tbgp's OPEN encoder always emits OptParmLen: 0 and never
// negotiates anything, so there's no prior code for this logic. The TLV
// layout and negotiation rules below are built in the same
// struct-and-constant idiom as internal/bgp.
package capability

import (
	"fmt"

	"github.com/taktv6/tflow2/convert"
)

// Capability TLV codes (RFC 5492 and extensions).
const (
	CodeMultiProtocol      uint8 = 1
	CodeRouteRefresh       uint8 = 2
	CodeGracefulRestart    uint8 = 64
	CodeFourByteAS         uint8 = 65
	CodeAddPath            uint8 = 69
	CodeEnhancedRouteRefresh uint8 = 70
	CodeRole               uint8 = 9
)

// AFISAFI identifies an address family / subsequent address family pair.
type AFISAFI struct {
	AFI  uint16
	SAFI uint8
}

// DefaultIPv4Unicast is the default negotiated family when a peer's OPEN
// carries no Multi-Protocol capability at all.
var DefaultIPv4Unicast = AFISAFI{AFI: 1, SAFI: 1}

// GRFlags are the per-AFI graceful-restart flags carried in the GR
// capability and tracked on the peer.
type GRFlags struct {
	Present bool // AFI was listed in the GR capability at all
	Forward bool // Forwarding-state bit for this AFI
}

// AddPathMode is the per-AFI Add-Path capability: independent send/receive
// bits. Negotiate merges them per AFI/SAFI only; it computes no aggregate
// entry across families.
type AddPathMode struct {
	Send bool
	Recv bool
}

// Role is the RFC 9234 BGP Role value, one octet.
type Role uint8

const (
	RoleProvider   Role = 0
	RoleRS         Role = 1
	RoleRSClient   Role = 2
	RoleCustomer   Role = 3
	RolePeer       Role = 4
)

// Set is an announced, peer-sent, or negotiated capability set.
type Set struct {
	MP                   map[AFISAFI]bool
	RouteRefresh         bool
	EnhancedRouteRefresh bool
	FourByteAS           bool
	ASN                  uint32 // only meaningful when FourByteAS is set

	GRRestart     bool // Restart-State bit
	GRTime        uint16
	GR            map[AFISAFI]GRFlags

	AddPath map[AFISAFI]AddPathMode

	RoleSet bool
	Role    Role
}

// NewSet returns an empty, ready-to-populate Set.
func NewSet() *Set {
	return &Set{
		MP:      map[AFISAFI]bool{},
		GR:      map[AFISAFI]GRFlags{},
		AddPath: map[AFISAFI]AddPathMode{},
	}
}

// Encode serializes s as a sequence of capability TLVs (the value of a
// type-2 "Capabilities" optional parameter, RFC 5492).
func Encode(s *Set) []byte {
	var out []byte

	for afisafi, on := range s.MP {
		if !on {
			continue
		}
		val := make([]byte, 4)
		copy(val[0:2], convert.Uint16Byte(afisafi.AFI))
		val[2] = 0
		val[3] = afisafi.SAFI
		out = append(out, tlv(CodeMultiProtocol, val)...)
	}

	if s.RouteRefresh {
		out = append(out, tlv(CodeRouteRefresh, nil)...)
	}
	if s.EnhancedRouteRefresh {
		out = append(out, tlv(CodeEnhancedRouteRefresh, nil)...)
	}
	if s.FourByteAS {
		out = append(out, tlv(CodeFourByteAS, convert.Uint32Byte(s.ASN))...)
	}

	if len(s.GR) > 0 || s.GRRestart {
		val := make([]byte, 2, 2+4*len(s.GR))
		hdr := s.GRTime & 0x0fff
		if s.GRRestart {
			hdr |= 0x8000
		}
		val[0] = byte(hdr >> 8)
		val[1] = byte(hdr)
		for afisafi, flags := range s.GR {
			entry := make([]byte, 4)
			copy(entry[0:2], convert.Uint16Byte(afisafi.AFI))
			entry[2] = afisafi.SAFI
			if flags.Forward {
				entry[3] = 0x80
			}
			val = append(val, entry...)
		}
		out = append(out, tlv(CodeGracefulRestart, val)...)
	}

	if len(s.AddPath) > 0 {
		var val []byte
		for afisafi, mode := range s.AddPath {
			entry := make([]byte, 4)
			copy(entry[0:2], convert.Uint16Byte(afisafi.AFI))
			entry[2] = afisafi.SAFI
			entry[3] = addPathSendRecv(mode)
			val = append(val, entry...)
		}
		out = append(out, tlv(CodeAddPath, val)...)
	}

	if s.RoleSet {
		out = append(out, tlv(CodeRole, []byte{byte(s.Role)})...)
	}

	return out
}

func addPathSendRecv(mode AddPathMode) byte {
	var b byte
	if mode.Recv {
		b |= 1
	}
	if mode.Send {
		b |= 2
	}
	return b
}

func tlv(code uint8, value []byte) []byte {
	out := make([]byte, 2, 2+len(value))
	out[0] = code
	out[1] = uint8(len(value))
	return append(out, value...)
}

// Decode walks a capability-TLV stream (the value of one or more type-2
// optional parameters) and returns the capabilities it announces. Unknown
// capability codes are ignored: unknown opt-param *types* are fatal, but
// unknown or malformed individual capability TLVs are individually ignored
// or rejected per-capability. Capability-level length mismatches are
// ignored for that single capability rather than failing the whole OPEN,
// except where noted.
func Decode(buf []byte) (*Set, error) {
	s := NewSet()
	i := 0
	for i+2 <= len(buf) {
		code := buf[i]
		length := int(buf[i+1])
		i += 2
		if i+length > len(buf) {
			return nil, fmt.Errorf("capability %d: length %d runs past end of opt-params", code, length)
		}
		val := buf[i : i+length]
		i += length

		switch code {
		case CodeMultiProtocol:
			if length != 4 {
				continue
			}
			afi := uint16(val[0])<<8 | uint16(val[1])
			safi := val[3]
			s.MP[AFISAFI{AFI: afi, SAFI: safi}] = true
		case CodeRouteRefresh:
			s.RouteRefresh = true
		case CodeEnhancedRouteRefresh:
			s.EnhancedRouteRefresh = true
		case CodeFourByteAS:
			if length != 4 {
				continue
			}
			s.FourByteAS = true
			s.ASN = uint32(val[0])<<24 | uint32(val[1])<<16 | uint32(val[2])<<8 | uint32(val[3])
		case CodeGracefulRestart:
			if length < 2 {
				return nil, fmt.Errorf("graceful restart capability: length %d too short", length)
			}
			hdr := uint16(val[0])<<8 | uint16(val[1])
			s.GRRestart = hdr&0x8000 != 0
			s.GRTime = hdr & 0x0fff
			rest := val[2:]
			if len(rest)%4 != 0 {
				return nil, fmt.Errorf("graceful restart capability: malformed AFI entries (%d bytes)", len(rest))
			}
			for j := 0; j+4 <= len(rest); j += 4 {
				afi := uint16(rest[j])<<8 | uint16(rest[j+1])
				safi := rest[j+2]
				s.GR[AFISAFI{AFI: afi, SAFI: safi}] = GRFlags{
					Present: true,
					Forward: rest[j+3]&0x80 != 0,
				}
			}
		case CodeAddPath:
			if length%4 != 0 {
				continue
			}
			for j := 0; j+4 <= length; j += 4 {
				afi := uint16(val[j])<<8 | uint16(val[j+1])
				safi := val[j+2]
				s.AddPath[AFISAFI{AFI: afi, SAFI: safi}] = AddPathMode{
					Recv: val[j+3]&1 != 0,
					Send: val[j+3]&2 != 0,
				}
			}
		case CodeRole:
			if length != 1 {
				return nil, fmt.Errorf("role capability: length must be 1, got %d", length)
			}
			s.RoleSet = true
			s.Role = Role(val[0])
		default:
			// Unrecognized capability: ignore
		}
	}
	return s, nil
}
