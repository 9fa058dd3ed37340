//go:build linux

// numa_linux.go - NUMA-lokale CPU-Affinitaet fuer Worker-Goroutinen
//
// Die Knoten-Topologie wird einmalig aus /sys/devices/system/node gelesen
// (spec §4.5: "affinity bitsets derived from /sys/devices/system/node");
// jeder Worker wird per sched_setaffinity an die CPUs "seines" Knotens
// gebunden, round-robin ueber die Worker-Indizes. Der Hauptthread stellt
// beim Verlassen von Compute die volle Standard-Affinitaet wieder her.
package scheduler

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	numaOnce   sync.Once
	numaSets   []unix.CPUSet
	defaultSet unix.CPUSet
)

// parseCPUList decodes a sysfs cpulist string like "0-3,8,10-11".
func parseCPUList(s string) []int {
	var cpus []int
	for _, part := range strings.Split(strings.TrimSpace(s), ",") {
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			a, err1 := strconv.Atoi(lo)
			b, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil {
				continue
			}
			for c := a; c <= b; c++ {
				cpus = append(cpus, c)
			}
		} else if c, err := strconv.Atoi(part); err == nil {
			cpus = append(cpus, c)
		}
	}
	return cpus
}

func initNUMA() {
	numaOnce.Do(func() {
		if err := unix.SchedGetaffinity(0, &defaultSet); err != nil {
			return
		}
		nodes, err := filepath.Glob("/sys/devices/system/node/node*/cpulist")
		if err != nil || len(nodes) < 2 {
			return
		}
		sort.Strings(nodes)
		for _, path := range nodes {
			raw, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			var set unix.CPUSet
			for _, c := range parseCPUList(string(raw)) {
				set.Set(c)
			}
			if set.Count() > 0 {
				numaSets = append(numaSets, set)
			}
		}
		slog.Debug("scheduler: numa topology", "nodes", len(numaSets))
	})
}

// bindWorker pins the calling goroutine's OS thread to the CPUs of the
// NUMA node assigned to worker (round-robin). No-op on single-node hosts.
func bindWorker(worker int) {
	initNUMA()
	if len(numaSets) < 2 {
		return
	}
	runtime.LockOSThread()
	set := numaSets[worker%len(numaSets)]
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		slog.Debug("scheduler: sched_setaffinity failed", "worker", worker, "error", err)
	}
}

// unbindWorker restores the default affinity mask and releases the OS
// thread. The caller's thread (worker 0) runs this before Compute returns.
func unbindWorker() {
	if len(numaSets) < 2 {
		return
	}
	_ = unix.SchedSetaffinity(0, &defaultSet)
	runtime.UnlockOSThread()
}
