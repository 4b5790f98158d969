package patch

import (
	"fmt"
	"time"

	"evokernel/internal/constitution"
)

// Target names the exact (file, function) pair a patch may touch.
type Target struct {
	File     string
	Function string
}

// Limits carries optional per-patch overrides for execution quotas.
// Zero values mean "use the constitutional default".
type Limits struct {
	DiffMax int
	Ops     int
	CPU     time.Duration
	RAM     int64
}

// Patch is a declarative, bounded code transformation.
type Patch struct {
	Target     Target
	Ops        []Operation
	ThetaDiff  float64
	Purity     bool
	Cyclomatic int
	Limits     *Limits
}

// ViolationKind identifies which local rule a patch broke.
type ViolationKind int

const (
	ThetaDiffExceeded ViolationKind = iota
	Impure
	CyclomaticExceeded
	UnknownOperator
)

func (k ViolationKind) String() string {
	switch k {
	case ThetaDiffExceeded:
		return "theta_diff_exceeded"
	case Impure:
		return "impure"
	case CyclomaticExceeded:
		return "cyclomatic_exceeded"
	case UnknownOperator:
		return "unknown_operator"
	default:
		return "unknown"
	}
}

// DSLViolation is the failure type for local shape/limit problems. It is
// raised before any whitelist or execution step runs.
type DSLViolation struct {
	Kind   ViolationKind
	Detail string
}

func (e *DSLViolation) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("dsl violation (%s): %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("dsl violation (%s)", e.Kind)
}

// FromMap builds a Patch from untyped input. Unknown operator names are
// rejected before any numeric field is read. An empty ops list is a
// construction error, not a validation failure.
func FromMap(data map[string]any) (*Patch, error) {
	rawOps, _ := data["ops"].([]any)
	if len(rawOps) == 0 {
		return nil, fmt.Errorf("patch requires a non-empty ops list")
	}

	ops := make([]Operation, 0, len(rawOps))
	for _, raw := range rawOps {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("operation must be a mapping, got %T", raw)
		}
		op, err := OpFromMap(m)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	p := &Patch{
		Ops:        ops,
		ThetaDiff:  toFloat(data["theta_diff"]),
		Purity:     true,
		Cyclomatic: int(toFloat(data["cyclomatic"])),
	}
	if purity, ok := data["purity"].(bool); ok {
		p.Purity = purity
	}
	if target, ok := data["target"].(map[string]any); ok {
		p.Target.File, _ = target["file"].(string)
		p.Target.Function, _ = target["function"].(string)
	}
	if limits, ok := data["limits"].(map[string]any); ok {
		p.Limits = &Limits{
			DiffMax: int(toFloat(limits["diff_max"])),
			Ops:     int(toFloat(limits["ops"])),
			RAM:     int64(toFloat(limits["ram"])),
		}
		if cpu := toFloat(limits["cpu"]); cpu > 0 {
			p.Limits.CPU = time.Duration(cpu * float64(time.Second))
		}
	}
	return p, nil
}

// Validate applies the process-local numeric checks. It fails only for
// the four DSL violation kinds and is independent of the zone registry.
func (p *Patch) Validate() error {
	for _, op := range p.Ops {
		if !IsKnownOperator(op.Name()) {
			return &DSLViolation{Kind: UnknownOperator, Detail: op.Name()}
		}
	}
	if p.ThetaDiff > constitution.ThetaDiffLimit {
		return &DSLViolation{
			Kind:   ThetaDiffExceeded,
			Detail: fmt.Sprintf("theta_diff %.2f exceeds limit %d", p.ThetaDiff, int(constitution.ThetaDiffLimit)),
		}
	}
	if !p.Purity {
		return &DSLViolation{Kind: Impure, Detail: "patch must be pure"}
	}
	if p.Cyclomatic > constitution.CyclomaticLimit {
		return &DSLViolation{
			Kind:   CyclomaticExceeded,
			Detail: fmt.Sprintf("cyclomatic %d exceeds limit %d", p.Cyclomatic, constitution.CyclomaticLimit),
		}
	}
	return nil
}

// OpNames returns the wire names of the patch's operations in order.
func (p *Patch) OpNames() []string {
	names := make([]string, len(p.Ops))
	for i, op := range p.Ops {
		names[i] = op.Name()
	}
	return names
}

// EffectiveLimits resolves the patch's quota overrides against the
// constitutional defaults.
func (p *Patch) EffectiveLimits() Limits {
	eff := Limits{
		DiffMax: constitution.DiffLimit,
		Ops:     constitution.OpsLimit,
		CPU:     constitution.CPULimit,
		RAM:     constitution.RAMLimit,
	}
	if p.Limits == nil {
		return eff
	}
	if p.Limits.DiffMax > 0 {
		eff.DiffMax = p.Limits.DiffMax
	}
	if p.Limits.Ops > 0 {
		eff.Ops = p.Limits.Ops
	}
	if p.Limits.CPU > 0 {
		eff.CPU = p.Limits.CPU
	}
	if p.Limits.RAM > 0 {
		eff.RAM = p.Limits.RAM
	}
	return eff
}
