package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"evokernel/internal/meta"
)

// Snapshot is one generation's frozen state as the orchestrator wrote
// it: the spec that governed the generation plus the per-step
// err/cost trajectory.
type Snapshot struct {
	Generation int       `json:"generation"`
	Meta       meta.Spec `json:"meta"`
	History    []Step    `json:"history"`
}

// Step is one measurement in a generation's trajectory.
type Step struct {
	Err  float64 `json:"err"`
	Cost float64 `json:"cost"`
}

// Report aggregates a replay over the last k snapshots. Robustness is
// the mean final error across replayed generations, Safety the mean
// final cost. Lower is better for both.
type Report struct {
	Replayed   int
	Robustness float64
	Safety     float64
}

// RegressionError marks a snapshot whose trajectory ends worse than it
// started on either axis.
type RegressionError struct {
	Snapshot string
	Metric   string
	First    float64
	Last     float64
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("regression in %s on %s: first %g, last %g", e.Snapshot, e.Metric, e.First, e.Last)
}

// Snapshots replays the last k snapshot files in dir. Files load in
// lexicographic order, which matches generation order under the
// zero-padded naming the orchestrator uses. Each snapshot's spec is
// re-validated against the constitution; validation failures abort the
// replay before any metric is computed.
func Snapshots(k int, dir string) (*Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no snapshots in %s", dir)
	}
	if k > 0 && len(names) > k {
		names = names[len(names)-k:]
	}

	report := &Report{}
	counted := 0
	for _, name := range names {
		snap, err := load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if err := snap.Meta.Validate(); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", name, err)
		}
		if err := checkRegression(snap, name); err != nil {
			return nil, err
		}
		if len(snap.History) == 0 {
			continue
		}
		final := snap.History[len(snap.History)-1]
		report.Robustness += final.Err
		report.Safety += final.Cost
		counted++
	}
	report.Replayed = counted
	if counted > 0 {
		report.Robustness /= float64(counted)
		report.Safety /= float64(counted)
	}
	return report, nil
}

// checkRegression compares a snapshot's final measurement against its
// first. A trajectory that ends worse than it started on either axis
// is a regression and aborts the replay.
func checkRegression(s *Snapshot, name string) error {
	if len(s.History) == 0 {
		return nil
	}
	first := s.History[0]
	last := s.History[len(s.History)-1]
	if last.Err > first.Err {
		return &RegressionError{Snapshot: name, Metric: "error", First: first.Err, Last: last.Err}
	}
	if last.Cost > first.Cost {
		return &RegressionError{Snapshot: name, Metric: "cost", First: first.Cost, Last: last.Cost}
	}
	return nil
}

func load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", filepath.Base(path), err)
	}
	return &snap, nil
}
