package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	gatewayEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wisp",
			Subsystem: "gateway",
			Name:      "events_total",
			Help:      "Total dispatch events received, by shard and type.",
		},
		[]string{"shard", "type"},
	)
	gatewayReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wisp",
			Subsystem: "gateway",
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts, by shard.",
		},
		[]string{"shard"},
	)
	gatewayHandshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wisp",
			Subsystem: "gateway",
			Name:      "handshakes_total",
			Help:      "Completed handshakes, by shard and mode (identify|resume).",
		},
		[]string{"shard", "mode"},
	)
	gatewayLastSeq = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wisp",
			Subsystem: "gateway",
			Name:      "last_seq",
			Help:      "Last dispatch sequence seen, by shard.",
		},
		[]string{"shard"},
	)
	cacheEntities = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wisp",
			Subsystem: "cache",
			Name:      "entities",
			Help:      "Entities currently cached, by kind.",
		},
		[]string{"kind"},
	)
	cacheInconsistencies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wisp",
			Subsystem: "cache",
			Name:      "inconsistencies_total",
			Help:      "Updates or deletes referencing absent entities, by kind.",
		},
		[]string{"kind"},
	)
	standbyActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wisp",
			Subsystem: "standby",
			Name:      "active",
			Help:      "Standby subscriptions currently registered.",
		},
	)
	standbyResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wisp",
			Subsystem: "standby",
			Name:      "resolutions_total",
			Help:      "Standby resolutions, by outcome (matched|expired|cancelled).",
		},
		[]string{"outcome"},
	)
	dispatchInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wisp",
			Subsystem: "dispatch",
			Name:      "inflight_commands",
			Help:      "Command handlers currently executing.",
		},
	)
	dispatchApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "wisp",
			Subsystem: "dispatch",
			Name:      "apply_seconds",
			Help:      "Cache apply plus standby notify duration per event.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wisp",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"component", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wisp",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"component", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			gatewayEvents, gatewayReconnects, gatewayHandshakes, gatewayLastSeq,
			cacheEntities, cacheInconsistencies,
			standbyActive, standbyResolutions,
			dispatchInflight, dispatchApplyDuration,
			httpRequests, httpDuration,
		)
	})
}

func RecordGatewayEvent(shard, eventType string) {
	RegisterMetrics()
	gatewayEvents.WithLabelValues(shard, eventType).Inc()
}

func RecordReconnect(shard string) {
	RegisterMetrics()
	gatewayReconnects.WithLabelValues(shard).Inc()
}

func RecordHandshake(shard, mode string) {
	RegisterMetrics()
	gatewayHandshakes.WithLabelValues(shard, mode).Inc()
}

func SetLastSeq(shard string, seq int) {
	RegisterMetrics()
	gatewayLastSeq.WithLabelValues(shard).Set(float64(seq))
}

func SetCacheEntities(kind string, n int) {
	RegisterMetrics()
	cacheEntities.WithLabelValues(kind).Set(float64(n))
}

func RecordCacheInconsistency(kind string) {
	RegisterMetrics()
	cacheInconsistencies.WithLabelValues(kind).Inc()
}

func SetStandbyActive(n int) {
	RegisterMetrics()
	standbyActive.Set(float64(n))
}

func RecordStandbyResolution(outcome string) {
	RegisterMetrics()
	standbyResolutions.WithLabelValues(outcome).Inc()
}

func AddInflightCommands(delta int) {
	RegisterMetrics()
	dispatchInflight.Add(float64(delta))
}

func ObserveApplyDuration(d time.Duration) {
	RegisterMetrics()
	dispatchApplyDuration.Observe(d.Seconds())
}

func RecordHTTPRequest(component, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(component, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(component, method, path, statusLabel).Observe(duration.Seconds())
}
