package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_rooms_active",
		Help: "Number of live rooms.",
	})
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_active",
		Help: "Number of open client connections.",
	})
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_broadcasts_total",
		Help: "Broadcast operations fanned out, by kind.",
	}, []string{"kind"})
	UploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_uploads_total",
		Help: "Files stored by the upload gateway.",
	})
)

// Handler exposes Prometheus metrics at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
