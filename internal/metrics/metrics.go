// Package metrics exposes Prometheus counters and gauges for per-
// message-type traffic, peer FSM state, and output-queue depth.
//
// No teacher equivalent exists — server/fsm.go has no metrics surface at
// all — so this is grounded on pobradovic08-route-beacon-ri and
// dantte-lp-gobfd, both of which wire github.com/prometheus/
// client_golang directly against their own session/pipeline state the
// same way this package wires it against peer.Peer.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openbgpd-go/sessiond/internal/peer"
)

// Registry bundles every collector this process exports, constructed
// once against a prometheus.Registerer so cmd/bgpd can choose whether
// that's the global default registry or a private one served by
// cmd/bgpd's /metrics HTTP handler.
type Registry struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	fsmState         *prometheus.GaugeVec
	outQueueBytes    *prometheus.GaugeVec
	notifications    *prometheus.CounterVec
	peers            prometheus.Gauge
}

// New creates and registers every collector against reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bgpd",
			Name:      "messages_sent_total",
			Help:      "BGP messages sent, by peer and message type.",
		}, []string{"peer", "type"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bgpd",
			Name:      "messages_received_total",
			Help:      "BGP messages received, by peer and message type.",
		}, []string{"peer", "type"}),
		fsmState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bgpd",
			Name:      "fsm_state",
			Help:      "Current FSM state per peer (0=None .. 6=Established).",
		}, []string{"peer"}),
		outQueueBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bgpd",
			Name:      "out_queue_bytes",
			Help:      "Bytes currently queued for write per peer.",
		}, []string{"peer"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bgpd",
			Name:      "notifications_total",
			Help:      "NOTIFICATION messages sent, by peer and error code.",
		}, []string{"peer", "code"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bgpd",
			Name:      "peers",
			Help:      "Number of configured peers.",
		}),
	}
	reg.MustRegister(r.messagesSent, r.messagesReceived, r.fsmState, r.outQueueBytes, r.notifications, r.peers)
	return r
}

// RecordSent increments the sent counter for one peer/message type.
func (r *Registry) RecordSent(peerID uint32, msgType uint8) {
	r.messagesSent.WithLabelValues(peerLabel(peerID), typeLabel(msgType)).Inc()
}

// RecordReceived increments the received counter for one peer/message type.
func (r *Registry) RecordReceived(peerID uint32, msgType uint8) {
	r.messagesReceived.WithLabelValues(peerLabel(peerID), typeLabel(msgType)).Inc()
}

// RecordNotification increments the notification counter for one peer's
// sent error code.
func (r *Registry) RecordNotification(peerID uint32, code uint8) {
	r.notifications.WithLabelValues(peerLabel(peerID), typeLabel(code)).Inc()
}

// Observe updates the FSM-state and output-queue gauges from a live
// snapshot of every peer, called once per engine tick.
func (r *Registry) Observe(peers []*peer.Peer) {
	r.peers.Set(float64(len(peers)))
	for _, p := range peers {
		label := peerLabel(p.ID)
		r.fsmState.WithLabelValues(label).Set(float64(p.State))
		queued := 0
		if p.Out != nil {
			queued = p.Out.Len()
		}
		r.outQueueBytes.WithLabelValues(label).Set(float64(queued))
	}
}

func peerLabel(id uint32) string { return strconv.FormatUint(uint64(id), 10) }

func typeLabel(t uint8) string { return strconv.FormatUint(uint64(t), 10) }
