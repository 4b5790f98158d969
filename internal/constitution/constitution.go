// Package constitution holds the ceilings no policy mutation may raise.
// These are compile-time constants on purpose: the meta layer re-checks
// them on every validate call, so no sequence of adoptions can relax them.
package constitution

import "time"

const (
	// ThetaDiffLimit bounds a patch's estimated behavioral delta.
	ThetaDiffLimit = 10.0

	// CyclomaticLimit bounds the cyclomatic complexity of a patch target.
	CyclomaticLimit = 10

	// DiffLimit bounds the diff_max a patch or policy may request.
	DiffLimit = 12

	// OpsLimit is the default per-attempt operation ceiling.
	OpsLimit = 1000

	// CPULimit is the default wall-clock ceiling per execution attempt.
	CPULimit = 1 * time.Second

	// RAMLimit is the default resident-memory ceiling per attempt.
	RAMLimit = 1 << 30 // 1 GiB

	// MaxPopulationCap bounds the evolutionary population size.
	MaxPopulationCap = 100
)

// SandboxPrefixes are the only directory prefixes a patch payload may
// reference as a file path. Everything else is an I/O violation.
var SandboxPrefixes = []string{
	"sandbox/",
	"tmp/sandbox/",
	"target/",
}
