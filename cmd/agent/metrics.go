package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"hostwarden/internal/protocol"
)

// collectMetrics reads the host telemetry sample from /proc.
func collectMetrics() (protocol.MetricsPayload, error) {
	var m protocol.MetricsPayload

	if err := readLoadavg(&m); err != nil {
		return m, err
	}
	if err := readMeminfo(&m); err != nil {
		return m, err
	}
	readUptime(&m)
	return m, nil
}

func readLoadavg(m *protocol.MetricsPayload) error {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return fmt.Errorf("read loadavg: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return fmt.Errorf("unexpected loadavg format: %q", string(data))
	}
	m.Load1, _ = strconv.ParseFloat(fields[0], 64)
	m.Load5, _ = strconv.ParseFloat(fields[1], 64)
	m.Load15, _ = strconv.ParseFloat(fields[2], 64)
	return nil
}

func readMeminfo(m *protocol.MetricsPayload) error {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return fmt.Errorf("read meminfo: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			m.MemTotalKB, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable:":
			m.MemAvailableKB, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}
	return nil
}

// readUptime is best effort; a missing value just reports zero.
func readUptime(m *protocol.MetricsPayload) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return
	}
	m.UptimeSec = uint64(secs)
}
