package lib

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var metricLabels = []string{"protocol", "peer"}

// connTimeBuckets are floor(1.5^1) .. floor(1.5^20) milliseconds;
// prometheus supplies the +Inf bucket.
func connTimeBuckets() []float64 {
	buckets := make([]float64, 20)
	limit := 1.5
	for i := range buckets {
		buckets[i] = math.Floor(limit)
		limit *= 1.5
	}
	return buckets
}

type labelKey struct {
	protocol string
	peer     string
}

// Metrics aggregates fleet-wide outbound metrics. outbound_count is
// recomputed per scrape by walking the registry; outbound_in and
// outbound_out fold per-outbound traffic deltas into monotonic
// accumulators at scrape time; outbound_conn_time is observed once per
// successful connect.
type Metrics struct {
	descCount *prometheus.Desc
	descIn    *prometheus.Desc
	descOut   *prometheus.Desc
	connTime  *prometheus.HistogramVec

	mu       sync.Mutex
	accIn    map[labelKey]uint64
	accOut   map[labelKey]uint64
	totalIn  uint64
	totalOut uint64
}

func newMetrics() *Metrics {
	return &Metrics{
		descCount: prometheus.NewDesc(
			"outbound_count",
			"Number of live outbound connections.",
			metricLabels, nil,
		),
		descIn: prometheus.NewDesc(
			"outbound_in",
			"Bytes received from outbound peers.",
			metricLabels, nil,
		),
		descOut: prometheus.NewDesc(
			"outbound_out",
			"Bytes sent to outbound peers.",
			metricLabels, nil,
		),
		connTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outbound_conn_time",
			Help:    "Time to establish an outbound connection in milliseconds.",
			Buckets: connTimeBuckets(),
		}, metricLabels),
		accIn:  make(map[labelKey]uint64),
		accOut: make(map[labelKey]uint64),
	}
}

var (
	metricsOnce   sync.Once
	activeMetrics *Metrics
)

// getMetrics lazily registers the shared metrics on first use.
func getMetrics() *Metrics {
	metricsOnce.Do(func() {
		activeMetrics = newMetrics()
		prometheus.MustRegister(activeMetrics)
		prometheus.MustRegister(activeMetrics.connTime)
	})
	return activeMetrics
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.descCount
	ch <- m.descIn
	ch <- m.descOut
}

// Collect implements prometheus.Collector. It walks the registry,
// counting live outbounds per label bucket and draining their traffic
// deltas into the accumulators.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[labelKey]int)
	ForEachOutbound(func(o Outbound) {
		k := labelKey{o.ProtocolName(), o.Address()}
		counts[k]++
		m.foldLocked(k, o)
	})

	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(m.descCount, prometheus.GaugeValue, float64(n), k.protocol, k.peer)
	}
	for k, v := range m.accIn {
		ch <- prometheus.MustNewConstMetric(m.descIn, prometheus.CounterValue, float64(v), k.protocol, k.peer)
	}
	for k, v := range m.accOut {
		ch <- prometheus.MustNewConstMetric(m.descOut, prometheus.CounterValue, float64(v), k.protocol, k.peer)
	}
}

func (m *Metrics) foldLocked(k labelKey, o Outbound) {
	in, out := o.trafficDeltas()
	if in > 0 {
		m.accIn[k] += in
		m.totalIn += in
	}
	if out > 0 {
		m.accOut[k] += out
		m.totalOut += out
	}
}

// fold drains one outbound's remaining deltas, used when it leaves the
// registry between scrapes.
func (m *Metrics) fold(o Outbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.foldLocked(labelKey{o.ProtocolName(), o.Address()}, o)
}

// addTraffic records UDP traffic, which is accounted inline rather
// than drained at scrape.
func (m *Metrics) addTraffic(protocol, peer string, in, out uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := labelKey{protocol, peer}
	if in > 0 {
		m.accIn[k] += in
		m.totalIn += in
	}
	if out > 0 {
		m.accOut[k] += out
		m.totalOut += out
	}
}

func (m *Metrics) observeConnTime(protocol, peer string, d time.Duration) {
	m.connTime.WithLabelValues(protocol, peer).Observe(float64(d) / float64(time.Millisecond))
}

// TotalIn returns the aggregate bytes received across all outbounds,
// past and present, as of the last scrape or fold.
func (m *Metrics) TotalIn() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalIn
}

// TotalOut is the sending-side counterpart of TotalIn.
func (m *Metrics) TotalOut() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalOut
}

// OutboundMetrics returns the shared metrics instance, registering it
// on first use.
func OutboundMetrics() *Metrics {
	return getMetrics()
}
