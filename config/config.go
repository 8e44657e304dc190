package config

import (
	"time"
)

const (
	DefaultWorkers               = 4
	DefaultFileViews             = 40
	DefaultIdleInterval          = 30 * time.Second
	DefaultMemoryPressurePercent = 90.0
	DefaultShutdownTimeout       = 60 * time.Second
)

type Config struct {
	// Path to the directory holding the resume store
	Path string
	//Workers number of goroutines executing disk jobs
	Workers int
	//FileViews maximum number of file mappings kept open
	FileViews int
	//MaxFreeJobs number of freed jobs kept for reuse
	MaxFreeJobs int
	//IdleInterval how often the idle closer runs, 0 disables it
	IdleInterval time.Duration
	//MemoryPressurePercent system memory use above which the oldest mapping is closed
	MemoryPressurePercent float64
	//WriteBackTracking flush the dirtiest mapping on every idle tick
	WriteBackTracking bool
	//DebugMode log every executed job with its duration
	DebugMode bool
	//ShutdownTimeout timeout for shutdown
	ShutdownTimeout time.Duration
	//MetricsAddress address for the prometheus handler, empty disables it
	MetricsAddress string
}

// Default returns a config with every field set to its default
func Default() *Config {
	return &Config{
		Workers:               DefaultWorkers,
		FileViews:             DefaultFileViews,
		MaxFreeJobs:           1024,
		IdleInterval:          DefaultIdleInterval,
		MemoryPressurePercent: DefaultMemoryPressurePercent,
		ShutdownTimeout:       DefaultShutdownTimeout,
	}
}
