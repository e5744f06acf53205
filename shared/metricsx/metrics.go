package metricsx

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	consumedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Messages settled by consumers, by outcome (acked, requeued, parked, unhandled).",
		},
		[]string{"queue", "routing_key", "outcome"},
	)
	consumeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "events_handle_duration_seconds",
			Help:    "Handler latency per message in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue", "routing_key"},
	)
	consumerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "events_consumer_state",
			Help: "Current consumer runtime state as a number.",
		},
		[]string{"queue"},
	)
	publishedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Publish attempts by routing key and outcome.",
		},
		[]string{"routing_key", "outcome"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	outboxRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_relayed_total",
			Help: "Outbox rows processed by the relay, by outcome.",
		},
		[]string{"outcome"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpLatency, consumedMessages, consumeLatency, consumerState, publishedMessages, kafkaConsumerLag, influxWriteFailures, outboxRelayed, asynqQueueDepth)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func ObserveConsumed(queue string, routingKey string, outcome string, d time.Duration) {
	consumedMessages.WithLabelValues(queue, routingKey, outcome).Inc()
	consumeLatency.WithLabelValues(queue, routingKey).Observe(d.Seconds())
}

func SetConsumerState(queue string, state int) {
	consumerState.WithLabelValues(queue).Set(float64(state))
}

func IncPublished(routingKey string, outcome string) {
	publishedMessages.WithLabelValues(routingKey, outcome).Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func IncOutboxRelayed(outcome string) {
	outboxRelayed.WithLabelValues(outcome).Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
