package resource

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Sample is one health observation.
type Sample struct {
	// CPUPercent is system-wide CPU utilization since the previous sample.
	CPUPercent float64
	// MemPercent is system-wide memory utilization.
	MemPercent float64
	// ProcRSSMB is this process's resident set size in MiB.
	ProcRSSMB float64
	Taken     time.Time
}

// RunSampler periodically refreshes the manager's health snapshot until
// ctx is done. Intended to run under the process supervisor.
func (m *Manager) RunSampler(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	var prev cpuTimes
	prev, _ = readCPUTimes()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s := Sample{Taken: time.Now()}

			if cur, ok := readCPUTimes(); ok {
				s.CPUPercent = cpuPercent(prev, cur)
				prev = cur
			}
			s.MemPercent = readMemPercent()
			s.ProcRSSMB = readProcRSSMB()

			m.setSample(s)
		}
	}
}

type cpuTimes struct {
	busy, total uint64
}

// readCPUTimes parses the aggregate "cpu" line of /proc/stat.
func readCPUTimes() (cpuTimes, bool) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return cpuTimes{}, false
	}
	line, _, _ := bytes.Cut(data, []byte("\n"))
	fields := strings.Fields(string(line))
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuTimes{}, false
	}
	var t cpuTimes
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return cpuTimes{}, false
		}
		t.total += v
		// fields[4] and fields[5] are idle and iowait.
		if i != 3 && i != 4 {
			t.busy += v
		}
	}
	return t, true
}

func cpuPercent(prev, cur cpuTimes) float64 {
	dTotal := cur.total - prev.total
	if prev.total == 0 || dTotal == 0 {
		return 0
	}
	return 100 * float64(cur.busy-prev.busy) / float64(dTotal)
}

// readMemPercent derives system memory utilization from /proc/meminfo.
// Returns 0 when the file is unavailable.
func readMemPercent() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var total, avail float64
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		name, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		switch name {
		case "MemTotal":
			total = v
		case "MemAvailable":
			avail = v
		}
	}
	if total <= 0 || avail <= 0 {
		return 0
	}
	return 100 * (1 - avail/total)
}

// readProcRSSMB reads this process's VmRSS from /proc/self/status, falling
// back to the Go heap when the file is unavailable.
func readProcRSSMB() float64 {
	data, err := os.ReadFile("/proc/self/status")
	if err == nil {
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			rest, ok := strings.CutPrefix(sc.Text(), "VmRSS:")
			if !ok {
				continue
			}
			fields := strings.Fields(rest)
			if len(fields) == 0 {
				break
			}
			kb, err := strconv.ParseFloat(fields[0], 64)
			if err != nil {
				break
			}
			return kb / 1024
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapInuse) / (1 << 20)
}
