package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evokernel/internal/patch"
)

func TestScanPatchPassesCleanPayloads(t *testing.T) {
	p := &patch.Patch{
		Target: patch.Target{File: "target/src/reduce_sum.go", Function: "ReduceSum"},
		Ops: []patch.Operation{
			patch.ConstTune{Delta: 0.01, Bounds: [2]float64{-0.1, 0.1}},
			patch.EqRewrite{RuleID: "rule-assoc-fold"},
		},
		Purity: true,
	}
	require.NoError(t, ScanPatch(p))
}

func TestScanPatchRejectsForbiddenCapability(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"http import", `import "net/http"`},
		{"dial", "net.Dial(\"tcp\", addr)"},
		{"subprocess", "subprocess.run(cmd)"},
		{"exec", "os/exec"},
		{"socket", "socket.connect(remote)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &patch.Patch{
				Ops:    []patch.Operation{patch.EqRewrite{RuleID: tt.payload}},
				Purity: true,
			}
			err := ScanPatch(p)
			var sec *SecurityViolation
			require.ErrorAs(t, err, &sec)
			assert.Equal(t, ForbiddenImport, sec.Kind)
		})
	}
}

func TestScanPatchRejectsIOOutsideSandbox(t *testing.T) {
	p := &patch.Patch{
		Ops:    []patch.Operation{patch.EqRewrite{RuleID: `Open("/etc/passwd"`}},
		Purity: true,
	}
	err := ScanPatch(p)
	var sec *SecurityViolation
	require.ErrorAs(t, err, &sec)
	assert.Equal(t, IOOutsideSandbox, sec.Kind)
	assert.Contains(t, sec.Detail, "/etc/passwd")
}

func TestScanPatchAllowsSandboxPaths(t *testing.T) {
	for _, path := range []string{"sandbox/scratch.txt", "tmp/sandbox/x.dat", "target/src/a.go"} {
		p := &patch.Patch{
			Ops:    []patch.Operation{patch.EqRewrite{RuleID: path}},
			Purity: true,
		}
		assert.NoError(t, ScanPatch(p), path)
	}
}

func TestScanSourceAcceptsPureComputation(t *testing.T) {
	src := `package main

func Result() string {
	n := 0
	for i := 0; i < 10; i++ {
		n += i
	}
	if n == 45 {
		return "ok"
	}
	return "bad"
}
`
	require.NoError(t, ScanSource(src))
}

func TestScanSourceRejections(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want ViolationKind
	}{
		{
			name: "any import",
			src:  "package main\nimport \"strings\"\nfunc Result() string { return strings.ToUpper(\"x\") }",
			want: ForbiddenImport,
		},
		{
			name: "forbidden identifier",
			src:  "package main\nfunc Result() string { return os }",
			want: ForbiddenReference,
		},
		{
			name: "goroutine spawn",
			src:  "package main\nfunc Result() string { go func() {}(); return \"x\" }",
			want: ForbiddenConstruct,
		},
		{
			name: "select statement",
			src:  "package main\nfunc Result() string { select {}; return \"x\" }",
			want: ForbiddenConstruct,
		},
		{
			name: "unparseable",
			src:  "package main\nfunc Result() string {",
			want: ForbiddenConstruct,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ScanSource(tt.src)
			var sec *SecurityViolation
			require.ErrorAs(t, err, &sec)
			assert.Equal(t, tt.want, sec.Kind)
		})
	}
}
