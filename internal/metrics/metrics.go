// Package metrics holds the server's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diagram_rooms_active",
		Help: "Rooms currently held in memory.",
	})
	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diagram_peers_connected",
		Help: "Peers currently joined to a room.",
	})
	Deltas = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diagram_deltas_total",
		Help: "Document updates received, by outcome.",
	}, []string{"outcome"})
	SlowPeersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "diagram_slow_peers_dropped_total",
		Help: "Peers disconnected because their outbox was full.",
	})
	EditRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diagram_edit_requests_total",
		Help: "Edit requests and approvals, by result.",
	}, []string{"result"})
	FramesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diagram_frames_rejected_total",
		Help: "Inbound socket frames rejected, by reason.",
	}, []string{"reason"})
	DiagramSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diagram_saves_total",
		Help: "PUT /projects/{id}/diagram outcomes.",
	}, []string{"outcome"})
)
