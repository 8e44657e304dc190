// Package metrics provides Prometheus metrics for the disk I/O core.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rarydzu/gdiskio/fence"
	"github.com/rarydzu/gdiskio/jobpool"
)

// Registry is the Prometheus registry for all gdiskio metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// register adds c to Registry, returning the collector already registered
// under the same descriptors if there is one.
func register[C prometheus.Collector](c C) C {
	if err := Registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Sink implements fence.Counters on top of a counter vector.
type Sink struct {
	counters *prometheus.CounterVec
}

// NewSink returns a sink on Registry. Sinks created on the same registry
// share one counter vector.
func NewSink() *Sink {
	return &Sink{
		counters: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gdiskio_disk_counter_total",
			Help: "Disk I/O events by counter name",
		}, []string{"counter"})),
	}
}

func (s *Sink) Inc(c fence.Counter) {
	s.counters.WithLabelValues(string(c)).Inc()
}

// Counter returns the collector for one counter name, for inspection.
func (s *Sink) Counter(c fence.Counter) prometheus.Counter {
	return s.counters.WithLabelValues(string(c))
}

var _ fence.Counters = (*Sink)(nil)

// ViewStats is the view pool surface exported as gauges.
type ViewStats interface {
	Len() int
	SizeLimit() int
}

var (
	jobsInUseDesc = prometheus.NewDesc("gdiskio_jobs_in_use", "Disk jobs currently allocated", nil, nil)
	readJobsDesc  = prometheus.NewDesc("gdiskio_read_jobs", "Read jobs currently allocated", nil, nil)
	writeJobsDesc = prometheus.NewDesc("gdiskio_write_jobs", "Write jobs currently allocated", nil, nil)
	viewsDesc     = prometheus.NewDesc("gdiskio_open_file_views", "File mappings held by the view pools", nil, nil)
	viewLimitDesc = prometheus.NewDesc("gdiskio_file_view_limit", "Maximum file mappings held by the view pools", nil, nil)
)

// poolCollector sums the gauges of every registered pool.
type poolCollector struct {
	mu    sync.Mutex
	next  int
	jobs  map[int]*jobpool.Pool
	views map[int]ViewStats
}

func newPoolCollector() *poolCollector {
	return &poolCollector{
		jobs:  map[int]*jobpool.Pool{},
		views: map[int]ViewStats{},
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsInUseDesc
	ch <- readJobsDesc
	ch <- writeJobsDesc
	ch <- viewsDesc
	ch <- viewLimitDesc
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var inUse, read, write, views, limit int
	for _, p := range c.jobs {
		st := p.Stats()
		inUse += st.InUse
		read += st.Read
		write += st.Write
	}
	for _, v := range c.views {
		views += v.Len()
		limit += v.SizeLimit()
	}
	ch <- prometheus.MustNewConstMetric(jobsInUseDesc, prometheus.GaugeValue, float64(inUse))
	ch <- prometheus.MustNewConstMetric(readJobsDesc, prometheus.GaugeValue, float64(read))
	ch <- prometheus.MustNewConstMetric(writeJobsDesc, prometheus.GaugeValue, float64(write))
	ch <- prometheus.MustNewConstMetric(viewsDesc, prometheus.GaugeValue, float64(views))
	ch <- prometheus.MustNewConstMetric(viewLimitDesc, prometheus.GaugeValue, float64(limit))
}

func (c *poolCollector) add(p *jobpool.Pool, v ViewStats) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	if p != nil {
		c.jobs[id] = p
	}
	if v != nil {
		c.views[id] = v
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.jobs, id)
		delete(c.views, id)
	}
}

// RegisterJobPool adds p to the job gauges on Registry. The returned func
// removes it again.
func RegisterJobPool(p *jobpool.Pool) func() {
	return register(newPoolCollector()).add(p, nil)
}

// RegisterViewPool adds v to the file view gauges on Registry. The returned
// func removes it again.
func RegisterViewPool(v ViewStats) func() {
	return register(newPoolCollector()).add(nil, v)
}
