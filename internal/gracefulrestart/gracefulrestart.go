// Package gracefulrestart implements the RFC 4724 bookkeeping factored out
// of internal/fsm because it is invoked from two independent call sites:
// the Established->Idle connection-loss path and the RestartTimeout
// expiry path. Functions here compute what to do and update the
// Restarting marks through AFIState; internal/fsm is still the only place
// that touches peer.Peer.State or timers.
package gracefulrestart

import "github.com/openbgpd-go/sessiond/internal/capability"

// AFIState is the minimal view of peer.GRAFIState this package needs. It
// mirrors peer.GRAFIState's fields so callers can pass that type directly
// without an import cycle (peer does not import gracefulrestart).
type AFIState interface {
	IsPresent() bool
	IsForwarding() bool
	SetRestarting(bool)
	IsRestarting() bool
}

// ConnectionLossResult is the outcome of OnConnectionLoss.
type ConnectionLossResult struct {
	Stale   []capability.AFISAFI // GR-capable AFIs, now marked Restarting
	Nograce []capability.AFISAFI // negotiated but non-GR-capable AFIs, flush now
}

// OnConnectionLoss computes the graceful-restart bookkeeping for a peer
// falling out of Established due to a connection-loss event (not an
// explicit Stop). For every AFI with the GR capability Present, it marks
// Restarting and reports it for STALE; for every negotiated AFI without
// GR Present, it reports NOGRACE instead.
//
// anyGR reports whether graceful restart applies at all — callers should
// fall back to a single SESSION_DOWN when it is false.
func OnConnectionLoss(gr map[capability.AFISAFI]AFIState, negotiatedMP map[capability.AFISAFI]bool) (res ConnectionLossResult, anyGR bool) {
	for _, st := range gr {
		if st.IsPresent() {
			anyGR = true
			break
		}
	}
	if !anyGR {
		return ConnectionLossResult{}, false
	}

	for afi, st := range gr {
		if st.IsPresent() {
			st.SetRestarting(true)
			res.Stale = append(res.Stale, afi)
		} else if negotiatedMP[afi] {
			res.Nograce = append(res.Nograce, afi)
		}
	}
	for afi, on := range negotiatedMP {
		if _, tracked := gr[afi]; on && !tracked {
			res.Nograce = append(res.Nograce, afi)
		}
	}
	return res, true
}

// OnRestartTimeout computes which AFIs must now be force-flushed because
// the peer did not return before RestartTimeout fired. It clears
// Restarting on every AFI it reports.
func OnRestartTimeout(gr map[capability.AFISAFI]AFIState) []capability.AFISAFI {
	var flush []capability.AFISAFI
	for afi, st := range gr {
		if st.IsRestarting() {
			st.SetRestarting(false)
			flush = append(flush, afi)
		}
	}
	return flush
}

// OnRestarted clears the Restarting mark for one AFI once the RDE
// confirms readvertisement completed (an inbound SESSION_RESTARTED from
// the RDE bridge). Returns whether any AFI is still Restarting afterward,
// so the caller knows whether RestartTimeout should stay armed.
func OnRestarted(gr map[capability.AFISAFI]AFIState, afi capability.AFISAFI) (stillRestarting bool) {
	if st, ok := gr[afi]; ok {
		st.SetRestarting(false)
	}
	for _, st := range gr {
		if st.IsRestarting() {
			return true
		}
	}
	return false
}

// RestartIndicationClean reports whether the outbound OPEN should set the
// Restart-Indication bit: true iff no AFI is currently Restarting, i.e.
// the peer completed its last restart cleanly.
func RestartIndicationClean(gr map[capability.AFISAFI]AFIState) bool {
	for _, st := range gr {
		if st.IsRestarting() {
			return false
		}
	}
	return true
}
