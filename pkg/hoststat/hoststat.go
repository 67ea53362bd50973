// Package hoststat holds the host resource sample shared by the node agent
// and the resource monitor, and parsers for the text the monitor reads over
// SSH.
package hoststat

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stats is one resource sample of a node
type Stats struct {
	CPUPercent  float64   `json:"cpu_percent"`
	CPUCores    int       `json:"cpu_cores"`
	RAMTotalMB  int64     `json:"ram_total_mb"`
	RAMUsedMB   int64     `json:"ram_used_mb"`
	DiskTotalGB int64     `json:"disk_total_gb"`
	DiskUsedGB  int64     `json:"disk_used_gb"`
	CollectedAt time.Time `json:"collected_at"`
}

// CPUTimes is the aggregate cpu line of /proc/stat, in ticks or seconds
type CPUTimes struct {
	Idle  float64
	Total float64
}

// CPUPercent returns the busy share between two samples
func CPUPercent(a, b CPUTimes) float64 {
	total := b.Total - a.Total
	if total <= 0 {
		return 0
	}
	busy := total - (b.Idle - a.Idle)
	pct := busy / total * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

// ParseCPULine parses the "cpu ..." line of /proc/stat
func ParseCPULine(line string) (CPUTimes, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return CPUTimes{}, fmt.Errorf("not an aggregate cpu line: %q", line)
	}

	var t CPUTimes
	// user nice system idle iowait irq softirq steal; guest time is
	// already counted in user
	for i, f := range fields[1:min(len(fields), 9)] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return CPUTimes{}, fmt.Errorf("invalid cpu field %q: %w", f, err)
		}
		t.Total += v
		if i == 3 || i == 4 {
			t.Idle += v
		}
	}
	return t, nil
}

// ParseMeminfo returns MemTotal and MemAvailable from /proc/meminfo, in kB
func ParseMeminfo(text string) (totalKB, availableKB uint64, err error) {
	var haveTotal, haveAvail bool
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		var dst *uint64
		switch fields[0] {
		case "MemTotal:":
			dst, haveTotal = &totalKB, true
		case "MemAvailable:":
			dst, haveAvail = &availableKB, true
		default:
			continue
		}
		v, perr := strconv.ParseUint(fields[1], 10, 64)
		if perr != nil {
			return 0, 0, fmt.Errorf("invalid meminfo line %q: %w", sc.Text(), perr)
		}
		*dst = v
	}
	if !haveTotal || !haveAvail {
		return 0, 0, fmt.Errorf("meminfo lacks MemTotal or MemAvailable")
	}
	return totalKB, availableKB, nil
}

// ParseDF parses `df -P -B1 <path>` output and returns total and used bytes
func ParseDF(text string) (total, used uint64, err error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("unexpected df output")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0, 0, fmt.Errorf("unexpected df line %q", lines[len(lines)-1])
	}
	if total, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid df size %q: %w", fields[1], err)
	}
	if used, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid df used %q: %w", fields[2], err)
	}
	return total, used, nil
}

// FromMemory fills the RAM fields from meminfo values in kB
func (s *Stats) FromMemory(totalKB, availableKB uint64) {
	s.RAMTotalMB = int64(totalKB / 1024)
	s.RAMUsedMB = int64((totalKB - min(availableKB, totalKB)) / 1024)
}

// FromDisk fills the disk fields from byte counts
func (s *Stats) FromDisk(totalBytes, usedBytes uint64) {
	const gb = 1 << 30
	s.DiskTotalGB = int64(totalBytes / gb)
	s.DiskUsedGB = int64(usedBytes / gb)
}
