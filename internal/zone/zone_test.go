package zone

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evokernel/internal/patch"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]Zone{
		{
			File:          "target/src/reduce_sum.go",
			Function:      "ReduceSum",
			Purity:        true,
			MaxCyclomatic: 6,
			Operators: map[string]struct{}{
				"CONST_TUNE":    {},
				"DEADCODE_ELIM": {},
			},
		},
	})
	require.NoError(t, err)
	return r
}

func admissiblePatch() *patch.Patch {
	return &patch.Patch{
		Target:     patch.Target{File: "target/src/reduce_sum.go", Function: "ReduceSum"},
		Ops:        []patch.Operation{patch.ConstTune{Delta: 0.05, Bounds: [2]float64{-0.1, 0.1}}},
		ThetaDiff:  1.0,
		Purity:     true,
		Cyclomatic: 3,
	}
}

func TestVerifyAdmitsWhitelistedPatch(t *testing.T) {
	require.NoError(t, testRegistry(t).Verify(admissiblePatch()))
}

func TestVerifyRejectsUnlistedTarget(t *testing.T) {
	p := admissiblePatch()
	p.Target.Function = "HiddenHelper"
	err := testRegistry(t).Verify(p)
	var adm *AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, "target not whitelisted", adm.Reason)
}

func TestVerifyRejectsDisallowedOperator(t *testing.T) {
	p := admissiblePatch()
	p.Ops = []patch.Operation{patch.Inline{Size: 16}}
	err := testRegistry(t).Verify(p)
	var adm *AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Contains(t, adm.Reason, "INLINE")
}

func TestVerifyRejectsDeltaOutsideBounds(t *testing.T) {
	// Whitelisted target and operator, but the payload steps outside
	// its own declared bounds.
	p := admissiblePatch()
	p.Ops = []patch.Operation{patch.ConstTune{Delta: 5, Bounds: [2]float64{-0.1, 0.1}}}
	err := testRegistry(t).Verify(p)
	var adm *AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, "delta outside bounds", adm.Reason)
}

func TestVerifyRejectsExcessiveDiffMax(t *testing.T) {
	p := admissiblePatch()
	p.Limits = &patch.Limits{DiffMax: 13}
	err := testRegistry(t).Verify(p)
	var adm *AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, "diff_max exceeds limit of 12", adm.Reason)
}

func TestVerifyRejectsEmptyOps(t *testing.T) {
	p := admissiblePatch()
	p.Ops = nil
	err := testRegistry(t).Verify(p)
	var adm *AdmissionError
	require.ErrorAs(t, err, &adm)
}

func TestNewRegistryRejectsDuplicateTargets(t *testing.T) {
	z := Zone{
		File: "target/src/a.go", Function: "A",
		Purity: true, MaxCyclomatic: 4,
		Operators: map[string]struct{}{"EXTRACT": {}},
	}
	_, err := NewRegistry([]Zone{z, z})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate zone")
}

func TestParseZones(t *testing.T) {
	raw := []byte(`targets:
  - file: target/src/reduce_sum.go
    function: ReduceSum
    purity: true
    max_cyclomatic: 6
    operators:
      - CONST_TUNE
      - EQ_REWRITE
`)
	zones, err := parseZones(raw)
	require.NoError(t, err)
	require.Len(t, zones, 1)
	want := Zone{
		File:          "target/src/reduce_sum.go",
		Function:      "ReduceSum",
		Purity:        true,
		MaxCyclomatic: 6,
		Operators: map[string]struct{}{
			"CONST_TUNE": {},
			"EQ_REWRITE": {},
		},
	}
	if diff := cmp.Diff(want, zones[0]); diff != "" {
		t.Errorf("parsed zone mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"CONST_TUNE", "EQ_REWRITE"}, zones[0].OperatorNames())
}

func TestParseZonesStrictness(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "unknown key",
			raw: `targets:
  - file: a.go
    function: A
    purity: true
    max_cyclomatic: 4
    writable: true
    operators: [EXTRACT]
`,
		},
		{
			name: "missing purity",
			raw: `targets:
  - file: a.go
    function: A
    max_cyclomatic: 4
    operators: [EXTRACT]
`,
		},
		{
			name: "unknown operator name",
			raw: `targets:
  - file: a.go
    function: A
    purity: true
    max_cyclomatic: 4
    operators: [LOOP_UNROLL]
`,
		},
		{
			name: "empty operators",
			raw: `targets:
  - file: a.go
    function: A
    purity: true
    max_cyclomatic: 4
    operators: []
`,
		},
		{
			name: "no targets",
			raw:  `targets: []`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseZones([]byte(tt.raw))
			require.Error(t, err)
		})
	}
}
