package agent

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/cuemby/tenantd/pkg/hoststat"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// LocalStats samples this host through procfs. CPU usage is measured over
// window; disk usage is that of the filesystem holding dataPath.
func LocalStats(dataPath string, window time.Duration) StatsFunc {
	return func(ctx context.Context) (hoststat.Stats, error) {
		fs, err := procfs.NewDefaultFS()
		if err != nil {
			return hoststat.Stats{}, fmt.Errorf("failed to open procfs: %w", err)
		}

		before, err := cpuTimes(fs)
		if err != nil {
			return hoststat.Stats{}, err
		}
		select {
		case <-time.After(window):
		case <-ctx.Done():
			return hoststat.Stats{}, ctx.Err()
		}
		after, err := cpuTimes(fs)
		if err != nil {
			return hoststat.Stats{}, err
		}

		st := hoststat.Stats{
			CPUPercent:  hoststat.CPUPercent(before, after),
			CPUCores:    runtime.NumCPU(),
			CollectedAt: time.Now().UTC(),
		}

		mi, err := fs.Meminfo()
		if err != nil {
			return hoststat.Stats{}, fmt.Errorf("failed to read meminfo: %w", err)
		}
		if mi.MemTotal == nil || mi.MemAvailable == nil {
			return hoststat.Stats{}, fmt.Errorf("meminfo lacks MemTotal or MemAvailable")
		}
		st.FromMemory(*mi.MemTotal, *mi.MemAvailable)

		var sfs unix.Statfs_t
		if err := unix.Statfs(dataPath, &sfs); err != nil {
			return hoststat.Stats{}, fmt.Errorf("failed to stat filesystem of %s: %w", dataPath, err)
		}
		bsize := uint64(sfs.Bsize)
		st.FromDisk(sfs.Blocks*bsize, (sfs.Blocks-sfs.Bfree)*bsize)

		return st, nil
	}
}

func cpuTimes(fs procfs.FS) (hoststat.CPUTimes, error) {
	stat, err := fs.Stat()
	if err != nil {
		return hoststat.CPUTimes{}, fmt.Errorf("failed to read /proc/stat: %w", err)
	}
	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	total := c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
	return hoststat.CPUTimes{Idle: idle, Total: total}, nil
}
