package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turtacn/Kestrel/pkg/logger"
)

var (
	// InvokeAttempts counts backend call attempts, partitioned by command and outcome.
	InvokeAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_ipc_attempts_total",
		Help: "Backend invoke attempts by command and outcome",
	}, []string{"command", "outcome"})
	// InvokeDuration tracks the wall time of a whole invoke including retries.
	InvokeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kestrel_ipc_invoke_duration_seconds",
		Help:    "Time taken by an invoke including retries",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"command"})
	// BreakerState exposes the circuit state per category (0 closed, 1 half-open, 2 open).
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kestrel_circuit_state",
		Help: "Circuit breaker state per command category",
	}, []string{"category"})
	// BreakerRejections counts calls shed by an open breaker.
	BreakerRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_circuit_rejections_total",
		Help: "Calls rejected by an open circuit breaker",
	}, []string{"category"})
	// ListenerDisabled counts event handlers auto-disabled after repeated errors.
	ListenerDisabled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_listener_disabled_total",
		Help: "Event listeners disabled after repeated handler errors",
	}, []string{"event"})
	// EmergencyStops counts emergency stops, partitioned by reason.
	EmergencyStops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_emergency_stops_total",
		Help: "Total number of motor emergency stops",
	}, []string{"reason"})
	// MotorStage exposes the current motor safety stage (0 = LOCKED).
	MotorStage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_motor_stage",
		Help: "Current motor test safety stage",
	})
	// OverheatCuts counts automatic throttle cuts on motor over-temperature.
	OverheatCuts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_motor_overheat_cuts_total",
		Help: "Automatic zero-throttle commands issued on over-temperature",
	}, []string{"motor"})
)

// Collectors returns every Kestrel collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		InvokeAttempts, InvokeDuration, BreakerState, BreakerRejections,
		ListenerDisabled, EmergencyStops, MotorStage, OverheatCuts,
	}
}

// Register registers all collectors with reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// InitMetrics registers Prometheus metrics and starts an HTTP server to expose them.
// It takes an address string (e.g., ":9090") on which to listen for requests.
// An empty address only registers the collectors.
func InitMetrics(addr string) {
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		logger.Log.Warn("Metrics registration failed", "err", err)
	}
	if addr == "" {
		return
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Log.Info("Metrics server starting", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Log.Error("Metrics server failed", "err", err)
		}
	}()
}

// Personal.AI order the ending
