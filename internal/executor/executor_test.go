package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"evokernel/internal/patch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func runPatch(t *testing.T, p *patch.Patch) error {
	t.Helper()
	e := New(zaptest.NewLogger(t), nil)
	return e.Run(context.Background(), p)
}

func TestRunExecutesWithinQuota(t *testing.T) {
	p := &patch.Patch{
		Target: patch.Target{File: "target/src/a.go", Function: "A"},
		Ops: []patch.Operation{
			patch.ConstTune{Delta: 0.01, Bounds: [2]float64{-0.1, 0.1}},
			patch.DeadcodeElim{},
			patch.MicroMemo{},
		},
		Purity: true,
	}
	require.NoError(t, runPatch(t, p))
}

func TestRunFailsOpLimitAfterFirstOpSucceeds(t *testing.T) {
	p := &patch.Patch{
		Target: patch.Target{File: "target/src/a.go", Function: "A"},
		Ops: []patch.Operation{
			patch.DeadcodeElim{},
			patch.MicroMemo{},
		},
		Purity: true,
		Limits: &patch.Limits{Ops: 1},
	}
	err := runPatch(t, p)
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, OpLimitExceeded, qe.Kind)
}

func TestRunFailsRAMLimit(t *testing.T) {
	// Any real process dwarfs a 1-byte ceiling, so the first tick's
	// resident-memory check must trip.
	p := &patch.Patch{
		Target: patch.Target{File: "target/src/a.go", Function: "A"},
		Ops:    []patch.Operation{patch.Extract{}},
		Purity: true,
		Limits: &patch.Limits{RAM: 1},
	}
	err := runPatch(t, p)
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, RAMLimitExceeded, qe.Kind)
}

func TestRunFailsCPUDeadline(t *testing.T) {
	p := &patch.Patch{
		Target: patch.Target{File: "target/src/a.go", Function: "A"},
		Ops:    []patch.Operation{patch.Inline{Sleep: 100 * time.Millisecond}},
		Purity: true,
		Limits: &patch.Limits{CPU: 10 * time.Millisecond},
	}
	err := runPatch(t, p)
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, CPULimitExceeded, qe.Kind)
}

func TestRunReleasesInlineBufferOnFailure(t *testing.T) {
	// A failed attempt must not keep its transient allocation alive:
	// a follow-up attempt under the same generous ceiling succeeds.
	big := &patch.Patch{
		Target: patch.Target{File: "target/src/a.go", Function: "A"},
		Ops: []patch.Operation{
			patch.Inline{Size: 1 << 20, Sleep: 50 * time.Millisecond},
		},
		Purity: true,
		Limits: &patch.Limits{CPU: 10 * time.Millisecond},
	}
	e := New(zaptest.NewLogger(t), nil)
	err := e.Run(context.Background(), big)
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)

	small := &patch.Patch{
		Target: patch.Target{File: "target/src/a.go", Function: "A"},
		Ops:    []patch.Operation{patch.MicroMemo{}},
		Purity: true,
	}
	require.NoError(t, e.Run(context.Background(), small))
}

func TestRunAttemptsAreSerialized(t *testing.T) {
	e := New(zaptest.NewLogger(t), nil)
	p := &patch.Patch{
		Target: patch.Target{File: "target/src/a.go", Function: "A"},
		Ops:    []patch.Operation{patch.Inline{Sleep: 20 * time.Millisecond}},
		Purity: true,
	}

	done := make(chan error, 2)
	start := time.Now()
	for i := 0; i < 2; i++ {
		go func() { done <- e.Run(context.Background(), p) }()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-done)
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond,
		"two attempts must not overlap")
}

func TestRulesRunThroughContainmentTier(t *testing.T) {
	e := New(zaptest.NewLogger(t), nil)
	var got string
	e.EnableUntrusted(runnerFunc(func(ctx context.Context, src string) (string, error) {
		got = src
		return "ok", nil
	}), map[string]string{"rule-x": "package main\nfunc Result() string { return \"ok\" }"})

	p := &patch.Patch{
		Target: patch.Target{File: "target/src/a.go", Function: "A"},
		Ops:    []patch.Operation{patch.EqRewrite{RuleID: "rule-x"}},
		Purity: true,
	}
	require.NoError(t, e.Run(context.Background(), p))
	assert.Contains(t, got, "func Result()")
}

type runnerFunc func(ctx context.Context, src string) (string, error)

func (f runnerFunc) Run(ctx context.Context, src string) (string, error) { return f(ctx, src) }

func TestQuotaErrorKindStrings(t *testing.T) {
	assert.Equal(t, "op_limit_exceeded", OpLimitExceeded.String())
	assert.Equal(t, "cpu_limit_exceeded", CPULimitExceeded.String())
	assert.Equal(t, "ram_limit_exceeded", RAMLimitExceeded.String())
	assert.Equal(t, "forbidden_operation", ForbiddenOperation.String())
	assert.Equal(t, "sandbox_timeout", SandboxTimeout.String())
}
