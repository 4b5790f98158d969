// Package executor dispatches whitelisted patch operations under strict
// op-count, wall-clock, and memory quotas. Operator bodies here are the
// trusted tier: minimal, pure, and dispatched through an exhaustive
// match over the closed operation set.
package executor

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"evokernel/internal/audit"
	"evokernel/internal/patch"
)

// UntrustedRunner is the hard containment tier: it executes operator
// source that cannot be trusted in-process. The sandbox package
// provides the production implementation.
type UntrustedRunner interface {
	Run(ctx context.Context, source string) (string, error)
}

// Executor runs verified patches. Attempts are serialized: quota
// accounting reads process-wide memory, so only one attempt may own it
// at a time.
type Executor struct {
	log     *zap.Logger
	auditor *audit.Logger
	sem     *semaphore.Weighted

	untrusted UntrustedRunner
	rules     map[string]string // rewrite rule id -> operator source
}

// New creates an Executor. The audit logger receives every quota failure
// before it propagates.
func New(log *zap.Logger, auditor *audit.Logger) *Executor {
	return &Executor{
		log:     log,
		auditor: auditor,
		sem:     semaphore.NewWeighted(1),
	}
}

// EnableUntrusted registers rewrite rules whose bodies are untrusted
// source, together with the containment tier that will run them.
// Rules without registered source keep their trusted no-op dispatch.
func (e *Executor) EnableUntrusted(r UntrustedRunner, rules map[string]string) {
	e.untrusted = r
	e.rules = rules
}

// Run executes every operation of the patch in order under the patch's
// effective limits. The first failure aborts the attempt; its result is
// discarded and the failure is audited before being returned.
func (e *Executor) Run(ctx context.Context, p *patch.Patch) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	lim := p.EffectiveLimits()
	t := startTracker(lim.Ops, lim.CPU, lim.RAM)
	defer t.stop()

	for i, op := range p.Ops {
		if err := e.executeOp(ctx, op, t); err != nil {
			e.auditFailure(p, op, i, err)
			return err
		}
	}
	return nil
}

// executeOp invokes one whitelisted operator body, then ticks the quota
// tracker. The type switch is exhaustive over the closed operation set;
// the default arm can only be reached by a future variant that was not
// wired in here, which is exactly a forbidden operation.
func (e *Executor) executeOp(ctx context.Context, op patch.Operation, t *tracker) error {
	switch o := op.(type) {
	case patch.ConstTune, patch.Extract, patch.DeadcodeElim, patch.MicroMemo:
		return t.tick()
	case patch.EqRewrite:
		return e.runRewrite(ctx, o, t)
	case patch.Inline:
		return runInline(o, t)
	default:
		return &QuotaError{Kind: ForbiddenOperation, Detail: "operator " + op.Name() + " has no trusted implementation"}
	}
}

// runRewrite dispatches a rewrite rule. Rules with registered untrusted
// source run under the hard containment tier; the rest are trusted
// no-ops. Either way the attempt's quota is ticked.
func (e *Executor) runRewrite(ctx context.Context, o patch.EqRewrite, t *tracker) error {
	if src, ok := e.rules[o.RuleID]; ok && e.untrusted != nil {
		if _, err := e.untrusted.Run(ctx, src); err != nil {
			return err
		}
	}
	return t.tick()
}

// runInline transiently allocates a declared-size buffer and/or sleeps a
// declared duration so quota tests can exercise the RAM and CPU
// ceilings. The buffer is released after the post-op tick on every exit
// path.
func runInline(o patch.Inline, t *tracker) error {
	var buf []byte
	if o.Size > 0 {
		buf = make([]byte, o.Size)
		for i := 0; i < len(buf); i += 4096 {
			buf[i] = 1 // touch each page so the allocation is resident
		}
	}
	if o.Sleep > 0 {
		time.Sleep(o.Sleep)
	}
	err := t.tick()
	// The buffer must stay resident through the tick so the RAM check
	// sees it; it is released when the frame unwinds, failure or not.
	runtime.KeepAlive(buf)
	return err
}

func (e *Executor) auditFailure(p *patch.Patch, op patch.Operation, index int, err error) {
	kind := "error"
	if qe, ok := err.(*QuotaError); ok {
		kind = qe.Kind.String()
	}
	e.log.Warn("execution attempt aborted",
		zap.String("kind", kind),
		zap.String("op", op.Name()),
		zap.Int("op_index", index),
		zap.String("target", p.Target.File+":"+p.Target.Function),
		zap.Error(err),
	)
	if e.auditor != nil {
		_ = e.auditor.Log(audit.Record{
			"event":    "execution_failure",
			"kind":     kind,
			"op":       op.Name(),
			"op_index": index,
			"file":     p.Target.File,
			"function": p.Target.Function,
			"reason":   err.Error(),
		})
	}
}
