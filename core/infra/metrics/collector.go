package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/openclaw/openclaw/core/infra/logging"
)

// SystemSnapshot is the persisted process snapshot served by the control
// plane status endpoint.
type SystemSnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	Goroutines    int       `json:"goroutines"`
	HeapBytes     uint64    `json:"heapBytes"`
	Tenants       int       `json:"tenants"`
	Connections   int       `json:"connections"`
	Terminals     int       `json:"terminals"`
}

// Gauges supplies the process-level counts the collector cannot observe
// itself.
type Gauges struct {
	Tenants     func() int
	Connections func() int
	Terminals   func() int
}

// Collector periodically writes SystemSnapshot files under
// <stateDir>/metrics: system-current.json holds the latest snapshot and
// system-hourly/<hour>.json one snapshot per hour.
type Collector struct {
	dir     string
	gauges  Gauges
	started time.Time
	stop    chan struct{}
}

// NewCollector returns a collector rooted at the given state directory.
func NewCollector(stateDir string, gauges Gauges) *Collector {
	return &Collector{
		dir:     filepath.Join(stateDir, "metrics"),
		gauges:  gauges,
		started: time.Now(),
		stop:    make(chan struct{}),
	}
}

// Start begins the snapshot loop. Interval zero defaults to one minute.
func (c *Collector) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		c.write(time.Now())
		for {
			select {
			case <-ticker.C:
				c.write(time.Now())
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop terminates the snapshot loop.
func (c *Collector) Stop() {
	close(c.stop)
}

// Current returns the most recent snapshot, computing one on the fly when no
// file exists yet.
func (c *Collector) Current() SystemSnapshot {
	data, err := os.ReadFile(filepath.Join(c.dir, "system-current.json"))
	if err == nil {
		var snap SystemSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return snap
		}
	}
	return c.snapshot(time.Now())
}

func (c *Collector) snapshot(now time.Time) SystemSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap := SystemSnapshot{
		Timestamp:     now.UTC(),
		UptimeSeconds: int64(now.Sub(c.started).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		HeapBytes:     mem.HeapAlloc,
	}
	if c.gauges.Tenants != nil {
		snap.Tenants = c.gauges.Tenants()
	}
	if c.gauges.Connections != nil {
		snap.Connections = c.gauges.Connections()
	}
	if c.gauges.Terminals != nil {
		snap.Terminals = c.gauges.Terminals()
	}
	return snap
}

func (c *Collector) write(now time.Time) {
	snap := c.snapshot(now)
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Join(c.dir, "system-hourly"), 0o755); err != nil {
		logging.Warn("metrics", "snapshot dir create failed", "error", err)
		return
	}
	current := filepath.Join(c.dir, "system-current.json")
	if err := writeFileAtomic(current, data); err != nil {
		logging.Warn("metrics", "snapshot write failed", "error", err)
	}
	hourly := filepath.Join(c.dir, "system-hourly", fmt.Sprintf("%s.json", now.UTC().Format("2006-01-02T15")))
	if err := writeFileAtomic(hourly, data); err != nil {
		logging.Warn("metrics", "hourly snapshot write failed", "error", err)
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
