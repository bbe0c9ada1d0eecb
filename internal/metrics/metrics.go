package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records agent activity
type Metrics interface {
	ObserveRequest(resource, verb string, code int)
	ObserveJob(category, status string, elapsed time.Duration)
	SetGuardBusy(category string, busy bool)
	AddDownloadedBytes(n int64)
	IncNotification(notifType string, ok bool)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) ObserveRequest(string, string, int)       {}
func (Noop) ObserveJob(string, string, time.Duration) {}
func (Noop) SetGuardBusy(string, bool)                {}
func (Noop) AddDownloadedBytes(int64)                 {}
func (Noop) IncNotification(string, bool)             {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	requests      *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	guards        *prometheus.GaugeVec
	downloaded    prometheus.Counter
	notifications *prometheus.CounterVec
	once          sync.Once
}

// NewProm creates the collectors and registers them with the default registerer
func NewProm(namespace string) *Prom {
	p := &Prom{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Dispatched requests by resource, verb and response code",
		}, []string{"resource", "verb", "code"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Background jobs by category and final status",
		}, []string{"category", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Background job duration by category",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"category"}),
		guards: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "guard_busy",
			Help:      "1 while an operation category holds its guard",
		}, []string{"category"}),
		downloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written by package downloads",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Published notifications by type and result",
		}, []string{"type", "result"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.requests, p.jobs, p.jobDuration, p.guards, p.downloaded, p.notifications)
	})
}

func (p *Prom) ObserveRequest(resource, verb string, code int) {
	p.requests.WithLabelValues(resource, verb, strconv.Itoa(code)).Inc()
}

func (p *Prom) ObserveJob(category, status string, elapsed time.Duration) {
	p.jobs.WithLabelValues(category, status).Inc()
	p.jobDuration.WithLabelValues(category).Observe(elapsed.Seconds())
}

func (p *Prom) SetGuardBusy(category string, busy bool) {
	v := 0.0
	if busy {
		v = 1
	}
	p.guards.WithLabelValues(category).Set(v)
}

func (p *Prom) AddDownloadedBytes(n int64) {
	if n > 0 {
		p.downloaded.Add(float64(n))
	}
}

func (p *Prom) IncNotification(notifType string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	p.notifications.WithLabelValues(notifType, result).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
