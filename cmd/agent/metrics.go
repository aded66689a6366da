package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/oriys/vm0-runner/internal/logging"
)

const metricsInterval = 5 * time.Second

// metricsEntry is one line of the guest's metrics log, later tailed and
// uploaded by the telemetry streamer.
type metricsEntry struct {
	Timestamp int64   `json:"ts"`
	CPU       float64 `json:"cpu"`
	MemUsed   uint64  `json:"mem_used"`
	MemTotal  uint64  `json:"mem_total"`
	DiskUsed  uint64  `json:"disk_used"`
	DiskTotal uint64  `json:"disk_total"`
}

// metricsLoop appends one metricsEntry every metricsInterval until ctx is
// canceled. Unlike heartbeat, no failure here is ever fatal: a missed or
// malformed sample is worth less than interrupting the run over it.
func metricsLoop(ctx context.Context, runID string) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entry := collectMetrics()
			if err := appendMetricsEntry(runID, entry); err != nil {
				logging.Op().Warn("metrics sample write failed", "error", err)
			}
		}
	}
}

func collectMetrics() metricsEntry {
	mem := readMemInfo()
	disk := readDiskInfo("/")
	return metricsEntry{
		Timestamp: time.Now().Unix(),
		CPU:       readCPUPercent(),
		MemUsed:   mem.total - min(mem.total, mem.available),
		MemTotal:  mem.total,
		DiskUsed:  disk.used,
		DiskTotal: disk.total,
	}
}

func appendMetricsEntry(runID string, entry metricsEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(metricsLogFile(runID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// readCPUPercent computes 100 * (1 - (idle+iowait)/total), rounded to two
// decimals, from /proc/stat's first "cpu " line. Returns 0.0 on any parse failure rather than erroring,
// since a missed sample is acceptable but a crashed metrics loop is not.
func readCPUPercent() float64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0.0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0.0
	}
	line := scanner.Text()
	if !strings.HasPrefix(line, "cpu ") {
		return 0.0
	}

	fields := strings.Fields(line)[1:]
	values := make([]uint64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0.0
		}
		values = append(values, v)
	}
	if len(values) < 5 {
		return 0.0
	}

	var total uint64
	for _, v := range values {
		total += v
	}
	idle := values[3] + values[4]
	if total == 0 {
		return 0.0
	}

	pct := 100 * (1 - float64(idle)/float64(total))
	return roundTo2(pct)
}

func roundTo2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

type memInfo struct {
	total     uint64
	available uint64
}

// readMemInfo extracts MemTotal and MemAvailable from /proc/meminfo,
// converting from the file's kB units to bytes.
func readMemInfo() memInfo {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return memInfo{}
	}
	defer f.Close()

	var info memInfo
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			info.total = parseMeminfoValue(line) * 1024
		case strings.HasPrefix(line, "MemAvailable:"):
			info.available = parseMeminfoValue(line) * 1024
		}
	}
	return info
}

// parseMeminfoValue extracts the numeric kB value from a /proc/meminfo
// line such as "MemTotal:       16384000 kB". Returns 0 for any line that
// doesn't parse, including an empty string.
func parseMeminfoValue(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

type diskInfo struct {
	total uint64
	used  uint64
}

// readDiskInfo statvfs's path and returns total/used bytes, saturating
// used at 0 rather than underflowing if free ever exceeds total.
func readDiskInfo(path string) diskInfo {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return diskInfo{}
	}
	bsize := uint64(stat.Bsize)
	total := stat.Blocks * bsize
	free := stat.Bfree * bsize
	used := total - min(total, free)
	return diskInfo{total: total, used: used}
}
