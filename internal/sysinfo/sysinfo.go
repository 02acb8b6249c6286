// Package sysinfo samples host resource usage for chunk-server stats.
package sysinfo

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// Window is the sampling interval for CPU and network rates.
const Window = time.Second

type Stats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	RAMPercent  float64 `json:"ram_percent"`
	DiskPercent float64 `json:"disk_percent"`
	DiskTotal   uint64  `json:"disk_total"`
	RxPerSec    uint64  `json:"rx_per_sec"`
	TxPerSec    uint64  `json:"tx_per_sec"`
}

// DiskTotal returns the size of the filesystem holding path.
func DiskTotal(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("sysinfo: disk usage %s: %w", path, err)
	}
	return u.Total, nil
}

// Sample measures CPU and network over one Window. diskPath selects the
// filesystem; iface selects a NIC, or all NICs when empty.
func Sample(ctx context.Context, diskPath, iface string) (Stats, error) {
	var st Stats

	rx0, tx0, err := netCounters(ctx, iface)
	if err != nil {
		return st, err
	}
	// PercentWithContext blocks for the window, which doubles as the net interval.
	pct, err := cpu.PercentWithContext(ctx, Window, false)
	if err != nil {
		return st, fmt.Errorf("sysinfo: cpu: %w", err)
	}
	if len(pct) > 0 {
		st.CPUPercent = pct[0]
	}
	rx1, tx1, err := netCounters(ctx, iface)
	if err != nil {
		return st, err
	}
	st.RxPerSec = delta(rx0, rx1)
	st.TxPerSec = delta(tx0, tx1)

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return st, fmt.Errorf("sysinfo: memory: %w", err)
	}
	st.RAMPercent = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, diskPath)
	if err != nil {
		return st, fmt.Errorf("sysinfo: disk usage %s: %w", diskPath, err)
	}
	st.DiskPercent = du.UsedPercent
	st.DiskTotal = du.Total
	return st, nil
}

func netCounters(ctx context.Context, iface string) (rx, tx uint64, err error) {
	counters, err := net.IOCountersWithContext(ctx, true)
	if err != nil {
		return 0, 0, fmt.Errorf("sysinfo: net counters: %w", err)
	}
	found := iface == ""
	for _, c := range counters {
		if iface != "" && c.Name != iface {
			continue
		}
		found = true
		rx += c.BytesRecv
		tx += c.BytesSent
	}
	if !found {
		return 0, 0, fmt.Errorf("sysinfo: no interface %q", iface)
	}
	return rx, tx, nil
}

// counters can reset when an interface goes down
func delta(a, b uint64) uint64 {
	if b < a {
		return 0
	}
	return b - a
}

var units = []string{"B", "KB", "MB", "GB", "TB"}

// HumanBytes formats n with 1024-based units and two decimals, e.g. "1.50 KB".
func HumanBytes(n uint64) string {
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", size, units[i])
}
