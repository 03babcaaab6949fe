package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Session metrics
	ActiveCalls      prometheus.Gauge
	CallsStarted     prometheus.Counter
	CallsFinalized   *prometheus.CounterVec
	FinalizeDuration prometheus.Histogram
	CallDuration     prometheus.Histogram

	// Audio and transcription metrics
	AudioBytesFramed  prometheus.Counter
	ChunksReceived    *prometheus.CounterVec
	STTBackendErrors  *prometheus.CounterVec
	STTSessionsOpened *prometheus.CounterVec

	// Coaching metrics
	ExtractionPasses   *prometheus.CounterVec
	ExtractionLatency  prometheus.Histogram
	AmmoItemsPersisted *prometheus.CounterVec
	NudgesEmitted      *prometheus.CounterVec
	DetectionRuns      *prometheus.CounterVec

	// Side effect metrics
	RecordingUploads     *prometheus.CounterVec
	BackgroundTasks      *prometheus.CounterVec
	EventsPublished      *prometheus.CounterVec
	CoachingSubscribers  prometheus.Gauge
	AMQPConnectionStatus prometheus.Gauge

	// Resilience metrics
	CircuitBreakerState *prometheus.GaugeVec
	RateLimitRejections *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callcoach_active_calls",
			Help: "Number of calls currently being coached",
		})

		CallsStarted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callcoach_calls_started_total",
			Help: "Total number of call sessions started",
		})

		CallsFinalized = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_calls_finalized_total",
				Help: "Total number of call sessions finalized, by end reason",
			},
			[]string{"reason"},
		)

		FinalizeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callcoach_finalize_duration_seconds",
			Help:    "Time taken to finalize a call session",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		})

		CallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callcoach_call_duration_seconds",
			Help:    "Duration of coached calls",
			Buckets: prometheus.ExponentialBuckets(15, 2, 10), // 15s to ~2 hours
		})

		AudioBytesFramed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callcoach_audio_bytes_framed_total",
			Help: "Total number of stereo PCM bytes down-mixed to mono",
		})

		ChunksReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_transcript_chunks_total",
				Help: "Total number of transcript chunks received from the STT backend",
			},
			[]string{"provider", "kind"},
		)

		STTBackendErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_stt_errors_total",
				Help: "Total number of STT backend errors",
			},
			[]string{"provider"},
		)

		STTSessionsOpened = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_stt_sessions_total",
				Help: "Total number of STT streams opened",
			},
			[]string{"provider", "status"},
		)

		ExtractionPasses = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_extraction_passes_total",
				Help: "Total number of ammo extraction passes by outcome",
			},
			[]string{"outcome"},
		)

		ExtractionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callcoach_extraction_latency_seconds",
			Help:    "Latency of the ammo extraction backend",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		})

		AmmoItemsPersisted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_ammo_items_total",
				Help: "Total number of ammo items persisted",
			},
			[]string{"category"},
		)

		NudgesEmitted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_nudges_total",
				Help: "Total number of coaching nudges emitted",
			},
			[]string{"type"},
		)

		DetectionRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_detection_runs_total",
				Help: "Total number of post-call detection runs by outcome",
			},
			[]string{"outcome"},
		)

		RecordingUploads = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_recording_uploads_total",
				Help: "Total number of recording uploads by outcome",
			},
			[]string{"outcome"},
		)

		BackgroundTasks = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_background_tasks_total",
				Help: "Total number of background tasks by name and outcome",
			},
			[]string{"task", "outcome"},
		)

		EventsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_events_published_total",
				Help: "Total number of coaching events published by sink and status",
			},
			[]string{"sink", "status"},
		)

		CoachingSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callcoach_coaching_subscribers",
			Help: "Number of connected coaching WebSocket clients",
		})

		AMQPConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callcoach_amqp_connection_status",
			Help: "AMQP connection status (1 connected, 0 disconnected)",
		})

		CircuitBreakerState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "callcoach_circuit_breaker_state",
				Help: "Circuit breaker state by name (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		)

		RateLimitRejections = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcoach_rate_limit_rejections_total",
				Help: "Total number of HTTP requests rejected by the rate limiter by route",
			},
			[]string{"route"},
		)

		registry.MustRegister(
			ActiveCalls,
			CallsStarted,
			CallsFinalized,
			FinalizeDuration,
			CallDuration,
			AudioBytesFramed,
			ChunksReceived,
			STTBackendErrors,
			STTSessionsOpened,
			ExtractionPasses,
			ExtractionLatency,
			AmmoItemsPersisted,
			NudgesEmitted,
			DetectionRuns,
			RecordingUploads,
			BackgroundTasks,
			EventsPublished,
			CoachingSubscribers,
			AMQPConnectionStatus,
			CircuitBreakerState,
			RateLimitRejections,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// Handler returns the HTTP handler serving the registry, or nil when metrics are off
func Handler() http.Handler {
	if !enabled() {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          registry,
	})
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if h := Handler(); h != nil {
		mux.Handle(defaultMetricsPath, h)
	}
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enable bool) {
	if !enable {
		EnableMetrics(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	EnableMetrics(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

func enabled() bool {
	return metricsEnabled && registry != nil
}

// CallStarted marks a new coached call and returns a func that marks it ended
func CallStarted() func(reason string, duration time.Duration) {
	if !enabled() {
		return func(string, time.Duration) {}
	}

	ActiveCalls.Inc()
	CallsStarted.Inc()
	var once sync.Once
	return func(reason string, duration time.Duration) {
		once.Do(func() {
			ActiveCalls.Dec()
			CallsFinalized.WithLabelValues(reason).Inc()
			CallDuration.Observe(duration.Seconds())
		})
	}
}

// ObserveFinalize records the time spent finalizing a call
func ObserveFinalize() func() {
	if !enabled() {
		return func() {}
	}

	start := time.Now()
	return func() {
		FinalizeDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordAudioFramed records stereo bytes passed through the framer
func RecordAudioFramed(bytes int) {
	if enabled() {
		AudioBytesFramed.Add(float64(bytes))
	}
}

// RecordChunk records a transcript chunk
func RecordChunk(provider string, isFinal bool) {
	if enabled() {
		kind := "partial"
		if isFinal {
			kind = "final"
		}
		ChunksReceived.WithLabelValues(provider, kind).Inc()
	}
}

// RecordSTTError records a backend error
func RecordSTTError(provider string) {
	if enabled() {
		STTBackendErrors.WithLabelValues(provider).Inc()
	}
}

// RecordSTTSession records an attempt to open a backend stream
func RecordSTTSession(provider, status string) {
	if enabled() {
		STTSessionsOpened.WithLabelValues(provider, status).Inc()
	}
}

// RecordExtractionPass records an extraction pass outcome (ok, error, empty)
func RecordExtractionPass(outcome string) {
	if enabled() {
		ExtractionPasses.WithLabelValues(outcome).Inc()
	}
}

// ObserveExtractionLatency times a single backend call
func ObserveExtractionLatency() func() {
	if !enabled() {
		return func() {}
	}

	start := time.Now()
	return func() {
		ExtractionLatency.Observe(time.Since(start).Seconds())
	}
}

// RecordAmmoItem records a persisted ammo item
func RecordAmmoItem(category string) {
	if enabled() {
		AmmoItemsPersisted.WithLabelValues(category).Inc()
	}
}

// RecordNudge records an emitted nudge
func RecordNudge(nudgeType string) {
	if enabled() {
		NudgesEmitted.WithLabelValues(nudgeType).Inc()
	}
}

// RecordDetection records a post-call detection outcome
func RecordDetection(outcome string) {
	if enabled() {
		DetectionRuns.WithLabelValues(outcome).Inc()
	}
}

// RecordUpload records a recording upload outcome (ok, error, skipped)
func RecordUpload(outcome string) {
	if enabled() {
		RecordingUploads.WithLabelValues(outcome).Inc()
	}
}

// RecordBackgroundTask records a background task outcome (ok, error, panic, dropped)
func RecordBackgroundTask(task, outcome string) {
	if enabled() {
		BackgroundTasks.WithLabelValues(task, outcome).Inc()
	}
}

// RecordEventPublish records a coaching event delivery to a sink
func RecordEventPublish(sink, status string) {
	if enabled() {
		EventsPublished.WithLabelValues(sink, status).Inc()
	}
}

// SetCoachingSubscribers sets the connected coaching client count
func SetCoachingSubscribers(n int) {
	if enabled() {
		CoachingSubscribers.Set(float64(n))
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status
func SetAMQPConnectionStatus(connected bool) {
	if enabled() {
		if connected {
			AMQPConnectionStatus.Set(1)
		} else {
			AMQPConnectionStatus.Set(0)
		}
	}
}

// SetCircuitBreakerState records the numeric state of a named breaker
func SetCircuitBreakerState(name string, state int) {
	if enabled() {
		CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	}
}

// RecordRateLimitRejection counts a request refused by the rate limiter
func RecordRateLimitRejection(route string) {
	if enabled() {
		RateLimitRejections.WithLabelValues(route).Inc()
	}
}
