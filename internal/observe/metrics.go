package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OnlineConnections is exported so tests can assert the gauge balances.
var OnlineConnections = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "relay_online_connections",
	Help: "Number of live connections",
})

var (

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Total routed messages by type",
		},
		[]string{"type"},
	)

	sendFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_send_failures_total",
		Help: "Total outbound sends that failed at the transport",
	})

	broadcastFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_broadcast_failures_total",
		Help: "Total per-target failures during group broadcast",
	})

	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_evictions_total",
		Help: "Total connections evicted by the stale sweep",
	})

	heartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_heartbeats_total",
		Help: "Total heartbeat pongs received",
	})

	rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Total messages rejected by admission control",
	})

	resumesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_resumes_total",
			Help: "Total resume attempts by outcome",
		},
		[]string{"outcome"}, // restored|expired|unknown
	)
)

func init() {
	prometheus.MustRegister(
		OnlineConnections,
		messagesTotal,
		sendFailuresTotal,
		broadcastFailuresTotal,
		evictionsTotal,
		heartbeatsTotal,
		rateLimitedTotal,
		resumesTotal,
	)
}

func IncMessage(kind string)   { messagesTotal.WithLabelValues(kind).Inc() }
func IncSendFailure()          { sendFailuresTotal.Inc() }
func IncBroadcastFailure()     { broadcastFailuresTotal.Inc() }
func IncEviction()             { evictionsTotal.Inc() }
func IncHeartbeat()            { heartbeatsTotal.Inc() }
func IncRateLimited()          { rateLimitedTotal.Inc() }
func IncResume(outcome string) { resumesTotal.WithLabelValues(outcome).Inc() }
func AddOnline(delta float64)  { OnlineConnections.Add(delta) }
