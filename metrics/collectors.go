package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chanrpc"

var (
	ChannelsOpened = prometheus.NewCounterVec(CounterOpts{
		Namespace: namespace,
		Name:      "channels_opened_total",
		Help:      "Channels opened by this process, by label.",
	}, []string{"label"})

	ChannelsAccepted = prometheus.NewCounterVec(CounterOpts{
		Namespace: namespace,
		Name:      "channels_accepted_total",
		Help:      "Incoming channels claimed by a host, by label.",
	}, []string{"label"})

	ChannelsIgnored = prometheus.NewCounter(CounterOpts{
		Namespace: namespace,
		Name:      "channels_ignored_total",
		Help:      "Incoming channels whose name did not belong to a host.",
	})

	ActiveSessions = prometheus.NewGauge(GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions currently open on hosts in this process.",
	})

	Calls = prometheus.NewCounterVec(CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Calls handled by hosts, by method and result code.",
	}, []string{"method", "code"})

	CallDuration = prometheus.NewHistogramVec(HistogramOpts{
		Namespace: namespace,
		Name:      "call_duration_seconds",
		Help:      "Duration of calls handled by hosts.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	ProtocolViolations = prometheus.NewCounter(CounterOpts{
		Namespace: namespace,
		Name:      "protocol_violations_total",
		Help:      "Stream items received after a terminal message, or items that were not stream messages.",
	})
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. It is safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ChannelsOpened, ChannelsAccepted, ChannelsIgnored, ActiveSessions, Calls, CallDuration,
			ProtocolViolations)
	})
}
