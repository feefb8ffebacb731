// Package metrics exposes the process-wide Prometheus collectors.
//
// Everything lives in the default registry so the gateway can serve it
// with a stock promhttp handler. Counters are registered at init and
// incremented from the hot paths without further ceremony.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BytesIn counts raw octets read off device sockets, before any
	// unescaping, so it tracks wire volume rather than payload volume.
	BytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dashcam_bytes_in_total",
		Help: "Raw bytes received from devices over TCP and UDP.",
	})

	// Messages counts decoded application messages by message ID.
	Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashcam_messages_total",
		Help: "Decoded device messages by message ID.",
	}, []string{"id"})

	// FramesReassembled counts media frames published to the bus after
	// fragment reassembly, including degraded ones.
	FramesReassembled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dashcam_frames_reassembled_total",
		Help: "Media frames assembled from device fragments.",
	})

	// SessionsActive tracks device connections currently held open.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dashcam_sessions_active",
		Help: "Device connections currently open.",
	})

	// BusDrops counts frames discarded because a subscriber was full.
	BusDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dashcam_bus_drops_total",
		Help: "Frames dropped from slow subscriber queues.",
	})

	// DownloadsCompleted counts stored-video downloads flushed to disk.
	DownloadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dashcam_downloads_completed_total",
		Help: "Stored video downloads completed and handed to the recorder.",
	})

	// RecordingsStored counts downloads the recorder archived and indexed.
	RecordingsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dashcam_recordings_stored_total",
		Help: "Downloads written to the media directory and indexed.",
	})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
