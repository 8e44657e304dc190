package fence

// Counter names a telemetry counter incremented by the fence.
type Counter string

const (
	// BlockedDiskJobs counts fence jobs that had to queue
	BlockedDiskJobs Counter = "blocked_disk_jobs"
)

// Counters is the telemetry sink the fence reports to.
type Counters interface {
	Inc(c Counter)
}

// NopCounters drops every increment.
type NopCounters struct{}

func (NopCounters) Inc(Counter) {}
