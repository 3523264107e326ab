// Package hostmetrics samples host resource pressure so the control
// plane can refuse a Launch the machine cannot actually serve and log
// periodic capacity data alongside each session's own Stats. It wraps
// github.com/shirou/gopsutil/v3, the teacher's hardware-inventory
// dependency, repurposed here from one-shot enrollment collection
// (internal/collectors in the original agent) to a live periodic
// sampler.
package hostmetrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/duskcast/streamhost/internal/logging"
)

var log = logging.L("hostmetrics")

// Sample is one point-in-time resource reading.
type Sample struct {
	CPUPercent    float64
	MemUsedPercent float64
}

// HighLoad reports whether the sample indicates the host is too loaded
// to admit another streaming session.
func (s Sample) HighLoad() bool {
	return s.CPUPercent >= 90 || s.MemUsedPercent >= 90
}

// Read takes one synchronous sample, blocking up to 200ms to measure
// CPU percent over a short window.
func Read(ctx context.Context) (Sample, error) {
	percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return Sample{}, err
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}

	return Sample{CPUPercent: cpuPct, MemUsedPercent: vm.UsedPercent}, nil
}

// Monitor polls Read every interval until ctx is canceled, logging each
// sample and handing it to onSample so the server can gate admission on
// live load instead of only a static MaxClients count.
func Monitor(ctx context.Context, interval time.Duration, onSample func(Sample)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s, err := Read(ctx)
			if err != nil {
				log.Warn("hostmetrics: sample failed", "error", err)
				continue
			}
			log.Debug("hostmetrics: sample", "cpu_pct", s.CPUPercent, "mem_pct", s.MemUsedPercent)
			if onSample != nil {
				onSample(s)
			}
		}
	}
}
