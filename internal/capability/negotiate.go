package capability

import (
	"github.com/openbgpd-go/sessiond/internal/bgp"
)

// RolePolicy controls how strictly local Role enforcement is applied.
type RolePolicy int

const (
	RolePolicyNone RolePolicy = iota
	RolePolicyEnforce
)

// RestartingAFIs lists, as its keys, every AFI currently marked Restarting
// on the peer; Negotiate does not read the values. For each key, Negotiate
// checks whether the peer's freshly-parsed GR capability still carries the
// Forward bit, to decide between preserving the Restarting mark and
// emitting FLUSH.
type RestartingAFIs map[AFISAFI]bool

// Result is the outcome of negotiating local against peer capabilities.
type Result struct {
	Negotiated *Set
	// FlushAFIs lists AFIs that were Restarting but should now be flushed
	// because the peer no longer advertises Forward for them.
	FlushAFIs []AFISAFI
	// PreserveRestartingAFIs lists AFIs that remain marked Restarting.
	PreserveRestartingAFIs []AFISAFI
}

// Negotiate implements capa_neg_calc.
//
// local is what this engine announced in its own OPEN. peer is the Set
// parsed from the peer's OPEN. restarting marks AFIs this session is
// currently Restarting for (graceful restart in progress).
//
// Role negotiation returning a non-nil *bgp.Error means the session must be
// torn down with NOTIFICATION(Open, RoleMismatch) and never reach
// Established.
func Negotiate(local, peer *Set, restarting RestartingAFIs, rolePolicy RolePolicy) (*Result, *bgp.Error) {
	res := &Result{Negotiated: NewSet()}

	res.Negotiated.RouteRefresh = local.RouteRefresh && peer.RouteRefresh
	res.Negotiated.EnhancedRouteRefresh = local.EnhancedRouteRefresh && peer.EnhancedRouteRefresh
	res.Negotiated.FourByteAS = local.FourByteAS && peer.FourByteAS
	if res.Negotiated.FourByteAS {
		res.Negotiated.ASN = peer.ASN
	}

	if len(peer.MP) == 0 {
		// Peer advertised no MP capability at all: default to IPv4 unicast.
		res.Negotiated.MP[DefaultIPv4Unicast] = true
	} else {
		for afisafi, localOn := range local.MP {
			if !localOn {
				continue
			}
			if peer.MP[afisafi] {
				res.Negotiated.MP[afisafi] = true
			}
		}
	}

	res.Negotiated.GRRestart = peer.GRRestart
	res.Negotiated.GRTime = peer.GRTime
	for afisafi, flags := range peer.GR {
		res.Negotiated.GR[afisafi] = flags
	}
	for afisafi := range restarting {
		if flags, ok := peer.GR[afisafi]; ok && flags.Forward {
			res.PreserveRestartingAFIs = append(res.PreserveRestartingAFIs, afisafi)
		} else {
			res.FlushAFIs = append(res.FlushAFIs, afisafi)
		}
	}

	for afisafi, localMode := range local.AddPath {
		peerMode := peer.AddPath[afisafi]
		merged := AddPathMode{
			Recv: localMode.Recv && peerMode.Send,
			Send: localMode.Send && peerMode.Recv,
		}
		if merged.Recv || merged.Send {
			res.Negotiated.AddPath[afisafi] = merged
		}
	}

	if peer.RoleSet {
		if !compatibleRoles(local.Role, peer.Role) {
			return res, bgp.NewError(bgp.ErrOpen, bgp.SubOpenRoleMismatch, "incompatible BGP roles")
		}
		res.Negotiated.RoleSet = true
		res.Negotiated.Role = local.Role
	} else if rolePolicy == RolePolicyEnforce {
		return res, bgp.NewError(bgp.ErrOpen, bgp.SubOpenRoleMismatch, "peer did not advertise a role and enforcement is on")
	}

	return res, nil
}

// compatibleRoles enforces the RFC 9234 role compatibility matrix:
// Provider<->Customer, Peer<->Peer, RS<->RS-Client.
func compatibleRoles(local, peer Role) bool {
	switch local {
	case RoleProvider:
		return peer == RoleCustomer
	case RoleCustomer:
		return peer == RoleProvider
	case RolePeer:
		return peer == RolePeer
	case RoleRS:
		return peer == RoleRSClient
	case RoleRSClient:
		return peer == RoleRS
	}
	return false
}

// NegotiateHoldtime clamps the negotiated holdtime to whichever of the two
// sides is smaller, including 0 (which disables keepalives entirely). This
// is a deliberately preserved source quirk.
func NegotiateHoldtime(configured, peerAdvertised uint16) uint16 {
	if peerAdvertised < configured {
		return peerAdvertised
	}
	return configured
}
