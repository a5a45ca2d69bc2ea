package destdrv

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// StatCounter names one of the published counters.
type StatCounter int

const (
	ProcessedMessages StatCounter = iota
	WrittenMessages
	DroppedMessages
	MemoryUsage
	QueuedMessages
)

func (c StatCounter) String() string {
	switch c {
	case ProcessedMessages:
		return "processed_messages"
	case WrittenMessages:
		return "written_messages"
	case DroppedMessages:
		return "dropped_messages"
	case MemoryUsage:
		return "memory_usage"
	case QueuedMessages:
		return "queued_messages"
	default:
		return "unknown"
	}
}

var allCounters = [...]StatCounter{
	ProcessedMessages, WrittenMessages, DroppedMessages, MemoryUsage, QueuedMessages,
}

// AtomicStats is the default in-process StatsSink: one int64 per counter,
// updated lock-free. Good enough for tests and for a driver that doesn't
// need an external metrics registry.
type AtomicStats struct {
	values [len(allCounters)]atomic.Int64
}

// NewAtomicStats returns a zeroed AtomicStats ready for use.
func NewAtomicStats() *AtomicStats {
	return &AtomicStats{}
}

func (s *AtomicStats) Incr(name StatCounter) {
	s.values[name].Add(1)
}

func (s *AtomicStats) Decr(name StatCounter) {
	s.values[name].Add(-1)
}

func (s *AtomicStats) Add(name StatCounter, delta int64) {
	s.values[name].Add(delta)
}

func (s *AtomicStats) Set(name StatCounter, value int64) {
	s.values[name].Store(value)
}

func (s *AtomicStats) Get(name StatCounter) int64 {
	return s.values[name].Load()
}

// PrometheusStats registers one prometheus.Gauge per counter, labeled by the
// driver's stats-instance-name, and mirrors the same value into it on every
// call. A Gauge (not a Counter) because QueuedMessages and MemoryUsage
// move in both directions.
type PrometheusStats struct {
	mu     sync.Mutex
	local  [len(allCounters)]int64
	gauges [len(allCounters)]prometheus.Gauge
}

// NewPrometheusStats registers the five counters against reg under the name
// "destdrv_<counter>", with a constant "instance" label set to
// statsInstanceName, the driver's stats-instance name.
func NewPrometheusStats(reg prometheus.Registerer, statsInstanceName string) (*PrometheusStats, error) {
	ps := &PrometheusStats{}
	for _, c := range allCounters {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "destdrv",
			Name:        c.String(),
			Help:        "threaded destination driver counter: " + c.String(),
			ConstLabels: prometheus.Labels{"instance": statsInstanceName},
		})
		if err := reg.Register(g); err != nil {
			return nil, err
		}
		ps.gauges[c] = g
	}
	return ps, nil
}

func (s *PrometheusStats) Incr(name StatCounter) {
	s.mu.Lock()
	s.local[name]++
	v := s.local[name]
	s.mu.Unlock()
	s.gauges[name].Set(float64(v))
}

func (s *PrometheusStats) Decr(name StatCounter) {
	s.mu.Lock()
	s.local[name]--
	v := s.local[name]
	s.mu.Unlock()
	s.gauges[name].Set(float64(v))
}

func (s *PrometheusStats) Add(name StatCounter, delta int64) {
	s.mu.Lock()
	s.local[name] += delta
	v := s.local[name]
	s.mu.Unlock()
	s.gauges[name].Set(float64(v))
}

func (s *PrometheusStats) Set(name StatCounter, value int64) {
	s.mu.Lock()
	s.local[name] = value
	s.mu.Unlock()
	s.gauges[name].Set(float64(value))
}

func (s *PrometheusStats) Get(name StatCounter) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local[name]
}
