package monitor

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats is a point-in-time sample of one process.
type ProcessStats struct {
	PID         int32   `json:"pid"`
	Name        string  `json:"name"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
}

// SampleProcess reads CPU and RSS for pid. Missing fields are left zero.
func SampleProcess(ctx context.Context, pid int) (ProcessStats, error) {
	if pid <= 0 {
		return ProcessStats{}, fmt.Errorf("invalid pid: %d", pid)
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessStats{}, err
	}

	st := ProcessStats{PID: p.Pid}
	name, err := p.NameWithContext(ctx)
	if err != nil || strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("[%d]", p.Pid)
	}
	st.Name = name
	if cpuPercent, err := p.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpuPercent
	}
	if memInfo, err := p.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		st.MemoryBytes = memInfo.RSS
	}
	return st, nil
}

// Alive reports whether pid exists and is not a zombie waiting to be reaped.
func Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		// Exists but unreadable (other user); treat as alive.
		return true
	}
	return !slices.Contains(status, process.Zombie)
}
