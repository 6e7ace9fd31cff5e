// Package monitor samples host and process statistics for the health endpoint.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

const snapshotCacheTTL = 2 * time.Second

// Snapshot is a point-in-time view of the host and of this process.
type Snapshot struct {
	Platform    string       `json:"platform"`
	CPUUsage    float64      `json:"cpu_usage"`
	CPUCores    int          `json:"cpu_cores"`
	LoadAverage []float64    `json:"load_average,omitempty"`
	Process     ProcessStats `json:"process"`
	TimestampMs int64        `json:"timestamp_ms"`
}

type ProcessStats struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Goroutines int     `json:"goroutines"`
	UptimeMs   int64   `json:"uptime_ms"`
}

type Service struct {
	log     *slog.Logger
	started time.Time

	mu      sync.Mutex
	hasSnap bool
	snap    Snapshot
	at      time.Time

	now func() time.Time
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Service{log: log, started: time.Now(), now: time.Now}
}

// Snapshot returns a cached sample when the last one is recent enough.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	now := s.now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.at) < snapshotCacheTTL {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx, now)

	s.mu.Lock()
	s.snap = snap
	s.at = now
	s.hasSnap = true
	s.mu.Unlock()

	return snap
}

func (s *Service) collect(ctx context.Context, now time.Time) Snapshot {
	out := Snapshot{
		Platform:    runtime.GOOS,
		TimestampMs: now.UnixMilli(),
	}

	if usage, err := readCPUUsage(ctx); err == nil {
		out.CPUUsage = usage
	} else {
		s.log.Warn("monitor: get cpu percent failed", "error", err)
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		out.CPUCores = cores
	} else {
		s.log.Warn("monitor: get cpu cores failed", "error", err)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		out.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Warn("monitor: get load average failed", "error", err)
	}

	out.Process = ProcessStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
		UptimeMs:   now.Sub(s.started).Milliseconds(),
	}
	p, err := process.NewProcessWithContext(ctx, out.Process.PID)
	if err != nil {
		s.log.Warn("monitor: open self process failed", "error", err)
		return out
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		out.Process.CPUPercent = pct
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		out.Process.RSSBytes = mem.RSS
	}
	return out
}

// readCPUUsage prefers the non-blocking diff against the previous call and falls back to a
// short blocking sample on the first call.
func readCPUUsage(ctx context.Context) (float64, error) {
	var errs []error
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}
