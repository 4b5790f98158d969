// Package patch defines the declarative patch model and its local
// validation rules. Validation here is pure: it never consults the zone
// registry and never touches the filesystem.
package patch

import (
	"fmt"
	"time"
)

// Operation is a closed tagged variant. Every operator the kernel can
// dispatch is one of the concrete types below; there is no runtime
// registry to poison. The unexported marker method seals the set.
type Operation interface {
	// Name returns the wire name of the operator (e.g. "CONST_TUNE").
	Name() string
	isOperation()
}

// ConstTune adjusts a numeric constant by Delta within Bounds.
type ConstTune struct {
	Delta  float64
	Bounds [2]float64
}

// EqRewrite applies a named algebraic rewrite rule.
type EqRewrite struct {
	RuleID string
}

// Inline inlines a call site. Size and Sleep exist so benchmarks and
// quota tests can make the operator transiently allocate or stall.
type Inline struct {
	Size  int
	Sleep time.Duration
}

// Extract extracts code into a new function.
type Extract struct{}

// DeadcodeElim removes unreachable code.
type DeadcodeElim struct{}

// MicroMemo introduces a small memoization table.
type MicroMemo struct{}

func (ConstTune) Name() string    { return "CONST_TUNE" }
func (EqRewrite) Name() string    { return "EQ_REWRITE" }
func (Inline) Name() string       { return "INLINE" }
func (Extract) Name() string      { return "EXTRACT" }
func (DeadcodeElim) Name() string { return "DEADCODE_ELIM" }
func (MicroMemo) Name() string    { return "MICRO_MEMO" }

func (ConstTune) isOperation()    {}
func (EqRewrite) isOperation()    {}
func (Inline) isOperation()       {}
func (Extract) isOperation()      {}
func (DeadcodeElim) isOperation() {}
func (MicroMemo) isOperation()    {}

// KnownOperators lists every operator name the kernel accepts, in a
// stable order.
func KnownOperators() []string {
	return []string{
		"CONST_TUNE",
		"EQ_REWRITE",
		"INLINE",
		"EXTRACT",
		"DEADCODE_ELIM",
		"MICRO_MEMO",
	}
}

// IsKnownOperator reports whether name is in the fixed operator set.
func IsKnownOperator(name string) bool {
	for _, n := range KnownOperators() {
		if n == name {
			return true
		}
	}
	return false
}

// OpFromMap builds a typed Operation from untyped input. The operator
// name is checked against the fixed set before any payload field is
// inspected.
func OpFromMap(data map[string]any) (Operation, error) {
	name, _ := data["op"].(string)
	if !IsKnownOperator(name) {
		return nil, &DSLViolation{Kind: UnknownOperator, Detail: fmt.Sprintf("unknown operator: %q", name)}
	}

	switch name {
	case "CONST_TUNE":
		op := ConstTune{Delta: toFloat(data["delta"])}
		if bounds, ok := data["bounds"].([]any); ok && len(bounds) == 2 {
			op.Bounds = [2]float64{toFloat(bounds[0]), toFloat(bounds[1])}
		}
		return op, nil
	case "EQ_REWRITE":
		rule, _ := data["rule_id"].(string)
		return EqRewrite{RuleID: rule}, nil
	case "INLINE":
		op := Inline{Size: int(toFloat(data["size"]))}
		if sleep := toFloat(data["sleep"]); sleep > 0 {
			op.Sleep = time.Duration(sleep * float64(time.Second))
		}
		return op, nil
	case "EXTRACT":
		return Extract{}, nil
	case "DEADCODE_ELIM":
		return DeadcodeElim{}, nil
	default:
		return MicroMemo{}, nil
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
