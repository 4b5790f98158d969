// Package zone implements the mutation whitelist: which (file, function)
// targets may be patched, and which operators are permitted per target.
package zone

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"evokernel/internal/constitution"
	"evokernel/internal/patch"
)

// Zone is one whitelisted target together with its permitted operators.
type Zone struct {
	File          string
	Function      string
	Purity        bool
	MaxCyclomatic int
	Operators     map[string]struct{}
}

// OperatorNames returns the zone's allowed operator names in the kernel's
// canonical order.
func (z *Zone) OperatorNames() []string {
	names := make([]string, 0, len(z.Operators))
	for _, n := range patch.KnownOperators() {
		if _, ok := z.Operators[n]; ok {
			names = append(names, n)
		}
	}
	return names
}

// AdmissionError reports why a patch was refused admission. It belongs to
// the security taxonomy: the orchestrator logs it and drops the candidate
// without executing anything.
type AdmissionError struct {
	Reason string
}

func (e *AdmissionError) Error() string { return e.Reason }

// Registry is the fixed whitelist, loaded once at construction.
type Registry struct {
	zones    []Zone
	byTarget map[patch.Target]int
}

// NewRegistry builds a registry from already-parsed zones. Duplicate
// targets are a construction error.
func NewRegistry(zones []Zone) (*Registry, error) {
	r := &Registry{
		zones:    zones,
		byTarget: make(map[patch.Target]int, len(zones)),
	}
	for i, z := range zones {
		key := patch.Target{File: z.File, Function: z.Function}
		if _, dup := r.byTarget[key]; dup {
			return nil, fmt.Errorf("duplicate zone for %s:%s", z.File, z.Function)
		}
		r.byTarget[key] = i
	}
	return r, nil
}

// Zones returns the whitelisted zones in load order.
func (r *Registry) Zones() []Zone { return r.zones }

// Verify admits or refuses a patch. A patch is admissible only if exactly
// one zone matches its target and every operator it uses is allowed
// there. Per-op payload bounds and the diff_max ceiling are checked here
// too, mirroring the admission gate's conservative stance.
func (r *Registry) Verify(p *patch.Patch) error {
	idx, ok := r.byTarget[p.Target]
	if !ok {
		return &AdmissionError{Reason: "target not whitelisted"}
	}
	z := &r.zones[idx]

	if len(p.Ops) == 0 {
		return &AdmissionError{Reason: "ops must be a non-empty list"}
	}
	for _, op := range p.Ops {
		if _, allowed := z.Operators[op.Name()]; !allowed {
			return &AdmissionError{Reason: fmt.Sprintf("operator %s not allowed in zone %s:%s", op.Name(), z.File, z.Function)}
		}
		if ct, isTune := op.(patch.ConstTune); isTune {
			if ct.Delta < ct.Bounds[0] || ct.Delta > ct.Bounds[1] {
				return &AdmissionError{Reason: "delta outside bounds"}
			}
		}
	}

	if p.Limits != nil && p.Limits.DiffMax > constitution.DiffLimit {
		return &AdmissionError{Reason: fmt.Sprintf("diff_max exceeds limit of %d", constitution.DiffLimit)}
	}
	return nil
}

// OperatorMeta is one entry of the operator metadata file.
type OperatorMeta struct {
	Description string `yaml:"description"`
}

// LoadOperatorMeta reads the flat operator-name -> metadata mapping.
// Names outside the fixed operator set fail the load.
func LoadOperatorMeta(path string) (map[string]OperatorMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read operator metadata: %w", err)
	}
	meta := make(map[string]OperatorMeta)
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse operator metadata: %w", err)
	}
	for name := range meta {
		if !patch.IsKnownOperator(name) {
			return nil, fmt.Errorf("operator metadata names unknown operator %q", name)
		}
	}
	return meta, nil
}
