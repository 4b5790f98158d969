package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evokernel/internal/audit"
	"evokernel/internal/meta"
	"evokernel/internal/replay"
	"evokernel/internal/zone"
)

func testZones(t *testing.T) *zone.Registry {
	t.Helper()
	r, err := zone.NewRegistry([]zone.Zone{
		{
			File:          "target/src/reduce_sum.go",
			Function:      "ReduceSum",
			Purity:        true,
			MaxCyclomatic: 6,
			Operators: map[string]struct{}{
				"CONST_TUNE":    {},
				"EQ_REWRITE":    {},
				"DEADCODE_ELIM": {},
			},
		},
		{
			File:          "target/src/window_mean.go",
			Function:      "WindowMean",
			Purity:        true,
			MaxCyclomatic: 8,
			Operators: map[string]struct{}{
				"CONST_TUNE": {},
				"INLINE":     {},
				"MICRO_MEMO": {},
			},
		},
	})
	require.NoError(t, err)
	return r
}

func testSpec() *meta.Spec {
	return &meta.Spec{
		Weights: map[string]float64{"error": 0.6, "cost": 0.4},
		OperatorMix: map[string]float64{
			"CONST_TUNE":    0.4,
			"EQ_REWRITE":    0.2,
			"INLINE":        0.2,
			"DEADCODE_ELIM": 0.1,
			"MICRO_MEMO":    0.1,
		},
		PopulationCap:     10,
		SelectionStrategy: "elitism",
		DiffMax:           10,
	}
}

func runOnce(t *testing.T, gens int) (*Orchestrator, string, string) {
	t.Helper()
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.jsonl")
	snapDir := filepath.Join(dir, "snapshots")

	auditor, err := audit.Open(auditPath)
	require.NoError(t, err)
	t.Cleanup(func() { auditor.Close() })

	orch, err := New(zaptest.NewLogger(t), auditor, testZones(t), testSpec(), nil, Config{
		Generations: gens,
		MetaPeriod:  2,
		Seed:        42,
		SnapshotDir: snapDir,
	})
	require.NoError(t, err)
	require.NoError(t, orch.Run(context.Background()))
	return orch, auditPath, snapDir
}

func TestRunProducesOneSnapshotPerGeneration(t *testing.T) {
	_, _, snapDir := runOnce(t, 6)
	for gen := 0; gen < 6; gen++ {
		name := filepath.Join(snapDir, fmt.Sprintf("gen_%04d.json", gen))
		_, err := os.Stat(name)
		assert.NoError(t, err, name)
	}
}

func TestRunKeepsAuditChainIntact(t *testing.T) {
	_, auditPath, _ := runOnce(t, 4)
	res, err := audit.VerifyFile(auditPath)
	require.NoError(t, err)
	assert.True(t, res.Intact, res.Problem)
	assert.Greater(t, res.Records, 0)
}

func TestRunElectsAnElite(t *testing.T) {
	orch, _, _ := runOnce(t, 3)
	require.NotNil(t, orch.Elite())
	assert.Contains(t, orch.Elite().Objectives, "error")
	assert.Contains(t, orch.Elite().Objectives, "cost")
}

func TestRunPopulationCapNeverShrinks(t *testing.T) {
	orch, _, _ := runOnce(t, 10)
	// Adoption only ever accepts proposals with an equal or larger
	// cap, so ten generations of meta steps cannot end lower.
	assert.GreaterOrEqual(t, orch.Spec().PopulationCap, 10)
	require.NoError(t, orch.Spec().Validate(), "adopted policy must stay constitutional")
}

func TestRunSnapshotsReplayCleanly(t *testing.T) {
	// Conservative elitism means the recorded trajectory never gets
	// worse, so replaying a fresh run must report averages, not a
	// regression.
	_, _, snapDir := runOnce(t, 5)
	report, err := replay.Snapshots(0, snapDir)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Replayed)
	assert.GreaterOrEqual(t, report.Robustness, 0.0)
	assert.LessOrEqual(t, report.Robustness, 1.2)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	dir := t.TempDir()
	auditor, err := audit.Open(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	defer auditor.Close()

	orch, err := New(zaptest.NewLogger(t), auditor, testZones(t), testSpec(), nil, Config{
		Generations: 1000,
		Seed:        1,
		SnapshotDir: filepath.Join(dir, "snapshots"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, orch.Run(ctx), context.Canceled)
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	spec := testSpec()
	spec.DiffMax = 99
	_, err := New(zaptest.NewLogger(t), nil, testZones(t), spec, nil, Config{Generations: 1, Seed: 1})
	require.Error(t, err)
}

func TestGenerateRespectsPopulationCap(t *testing.T) {
	dir := t.TempDir()
	auditor, err := audit.Open(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	defer auditor.Close()

	spec := testSpec()
	spec.PopulationCap = 2
	orch, err := New(zaptest.NewLogger(t), auditor, testZones(t), spec, nil, Config{
		Generations: 1,
		Seed:        1,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(orch.generate()), 2)
}

func TestGenerateSkipsZeroShareOperators(t *testing.T) {
	dir := t.TempDir()
	auditor, err := audit.Open(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	defer auditor.Close()

	spec := testSpec()
	spec.OperatorMix = map[string]float64{
		"CONST_TUNE": 1.0,
		"EQ_REWRITE": 0,
		"INLINE":     0,
	}
	orch, err := New(zaptest.NewLogger(t), auditor, testZones(t), spec, nil, Config{
		Generations: 1,
		Seed:        1,
	})
	require.NoError(t, err)
	for _, p := range orch.generate() {
		assert.NotEqual(t, "EQ_REWRITE", p.OpNames()[0])
		assert.NotEqual(t, "INLINE", p.OpNames()[0])
	}
}
