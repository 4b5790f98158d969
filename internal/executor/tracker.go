package executor

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// tracker owns the quota state for exactly one execution attempt. It is
// created by Run, lives on the attempt's stack, and dies with it; no
// state leaks across attempts.
type tracker struct {
	maxOps   int
	memLimit int64
	ops      int
	expired  atomic.Bool
	timer    *time.Timer
}

// startTracker arms the wall-clock deadline and resets counters. The
// deadline is cooperative: the flag is raised asynchronously but only
// observed at op boundaries, so the bound is "no worse than one
// operator's running time", not hard real time.
func startTracker(opLimit int, cpu time.Duration, memLimit int64) *tracker {
	t := &tracker{maxOps: opLimit, memLimit: memLimit}
	t.timer = time.AfterFunc(cpu, func() { t.expired.Store(true) })
	return t
}

// stop disarms the deadline timer.
func (t *tracker) stop() {
	t.timer.Stop()
}

// tick advances the operation counter and enforces every ceiling. Called
// once after each operator body returns.
func (t *tracker) tick() error {
	if t.expired.Load() {
		return &QuotaError{Kind: CPULimitExceeded, Detail: "wall-clock deadline fired"}
	}
	t.ops++
	if t.ops > t.maxOps {
		return &QuotaError{Kind: OpLimitExceeded, Detail: fmt.Sprintf("%d ops exceeds limit %d", t.ops, t.maxOps)}
	}
	if rss := currentRSS(); rss > t.memLimit {
		return &QuotaError{Kind: RAMLimitExceeded, Detail: fmt.Sprintf("rss %d exceeds limit %d", rss, t.memLimit)}
	}
	return nil
}

// currentRSS returns the process resident set size in bytes from OS
// accounting, falling back to runtime heap statistics where procfs is
// unavailable.
func currentRSS() int64 {
	if data, err := os.ReadFile("/proc/self/statm"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 2 {
			if pages, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				return pages * int64(os.Getpagesize())
			}
		}
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapAlloc)
}
