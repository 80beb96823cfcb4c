// Package metrics provides Prometheus instrumentation for the issuance engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/atmx/issuance-engine/internal/events"
)

var (
	// FillsTotal counts committed fills, partitioned by kind (auction, deposit).
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "issuance_fills_total",
		Help: "Total number of committed fills",
	}, []string{"kind"})

	// IssuedVolume tracks cumulative allocated units by kind.
	IssuedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "issuance_issued_units_total",
		Help: "Cumulative units allocated by fills and deposits",
	}, []string{"kind"})

	// AuctionsTotal counts auction lifecycle transitions.
	AuctionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "issuance_auctions_total",
		Help: "Auction lifecycle transitions",
	}, []string{"outcome"})

	// BondsTotal counts bond lifecycle transitions.
	BondsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "issuance_bonds_total",
		Help: "Bond lifecycle transitions",
	}, []string{"outcome"})

	// LiveBonds tracks bonds created but not yet redeemed or withdrawn.
	LiveBonds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "issuance_live_bonds",
		Help: "Number of outstanding bonds",
	})

	// EligibilityRejections counts calls refused by the eligibility gate.
	EligibilityRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "issuance_eligibility_rejections_total",
		Help: "Calls rejected by the eligibility gate",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "issuance_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "issuance_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "issuance_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recorder is an events.Emitter that turns committed events into metrics.
type Recorder struct{}

func (Recorder) Emit(e events.Event) {
	switch e.Kind {
	case events.AuctionStarted:
		AuctionsTotal.WithLabelValues("started").Inc()
	case events.AuctionEndedEarly:
		AuctionsTotal.WithLabelValues("ended_early").Inc()
	case events.AuctionCancelled:
		AuctionsTotal.WithLabelValues("cancelled").Inc()
	case events.AuctionFilled:
		FillsTotal.WithLabelValues("auction").Inc()
		IssuedVolume.WithLabelValues("auction").Add(amount(e.AmountOut))
	case events.Deposited:
		FillsTotal.WithLabelValues("deposit").Inc()
		IssuedVolume.WithLabelValues("deposit").Add(amount(e.AmountOut))
	case events.BondCreated:
		BondsTotal.WithLabelValues("created").Inc()
		LiveBonds.Inc()
	case events.BondRedeemed:
		BondsTotal.WithLabelValues("redeemed").Inc()
		LiveBonds.Dec()
	case events.BondWithdrawn:
		BondsTotal.WithLabelValues("withdrawn").Inc()
		LiveBonds.Dec()
	}
}

// amount converts a raw decimal string to a float for counters. Precision
// loss on very large values is acceptable here.
func amount(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
