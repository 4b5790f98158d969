package executor

import "fmt"

// FailureKind identifies a runtime quota failure. Every kind is terminal
// for its execution attempt; nothing here is retried.
type FailureKind int

const (
	OpLimitExceeded FailureKind = iota
	CPULimitExceeded
	RAMLimitExceeded
	ForbiddenOperation
	SandboxTimeout
)

func (k FailureKind) String() string {
	switch k {
	case OpLimitExceeded:
		return "op_limit_exceeded"
	case CPULimitExceeded:
		return "cpu_limit_exceeded"
	case RAMLimitExceeded:
		return "ram_limit_exceeded"
	case ForbiddenOperation:
		return "forbidden_operation"
	case SandboxTimeout:
		return "sandbox_timeout"
	default:
		return "unknown"
	}
}

// QuotaError is the failure type for runtime quota violations.
type QuotaError struct {
	Kind   FailureKind
	Detail string
}

func (e *QuotaError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("quota violation (%s): %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("quota violation (%s)", e.Kind)
}
