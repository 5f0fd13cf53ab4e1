package metrics

import (
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// processCollector exports CPU usage since the previous scrape and the
// memory actively used by the Go runtime.
type processCollector struct {
	cpu    *prometheus.Desc
	memory *prometheus.Desc

	mu       sync.Mutex
	lastWall time.Time
	lastCPU  time.Duration
	lastPct  float64
}

func newProcessCollector() *processCollector {
	return &processCollector{
		cpu: prometheus.NewDesc(namespace+"_process_cpu_percent",
			"Process CPU usage since the previous scrape; exceeds 100 on multiple cores.", nil, nil),
		memory: prometheus.NewDesc(namespace+"_memory_inuse_bytes",
			"Heap and stack memory in use by the Go runtime.", nil, nil),
		lastWall: time.Now(),
		lastCPU:  cpuTime(),
	}
}

func (c *processCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.memory
}

func (c *processCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, c.cpuPercent())
	ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(memoryInuse()))
}

func (c *processCollector) cpuPercent() float64 {
	now := time.Now()
	used := cpuTime()

	c.mu.Lock()
	defer c.mu.Unlock()

	wall := now.Sub(c.lastWall)
	if wall <= 0 {
		return c.lastPct
	}
	c.lastPct = float64(used-c.lastCPU) / float64(wall) * 100.0
	c.lastWall = now
	c.lastCPU = used
	return c.lastPct
}

// memoryInuse is HeapInuse plus StackInuse, excluding reserved but
// uncommitted address space.
func memoryInuse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapInuse + m.StackInuse
}

func cpuTime() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}
