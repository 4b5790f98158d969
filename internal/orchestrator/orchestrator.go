// Package orchestrator drives the generation loop: generate candidate
// patches from the zone whitelist, admit and execute them under quota,
// select a winner, persist the generation, and periodically propose a
// policy mutation.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"evokernel/internal/audit"
	"evokernel/internal/constitution"
	"evokernel/internal/executor"
	"evokernel/internal/meta"
	"evokernel/internal/objectives"
	"evokernel/internal/patch"
	"evokernel/internal/sandbox"
	"evokernel/internal/scan"
	"evokernel/internal/selector"
	"evokernel/internal/zone"
)

// Config holds the per-run knobs.
type Config struct {
	Generations int
	MetaPeriod  int // propose a policy mutation every MetaPeriod generations
	Seed        int64
	SnapshotDir string

	// Rules maps rewrite rule ids to untrusted operator source. Rules
	// listed here execute under the process-isolated containment tier.
	Rules map[string]string
}

// Orchestrator owns one run's mutable state: the current policy, the
// reigning elite, and the generation trajectory.
type Orchestrator struct {
	log      *zap.Logger
	auditor  *audit.Logger
	registry *zone.Registry
	exec     *executor.Executor
	sel      *selector.Selector

	cfg   Config
	spec  *meta.Spec
	obj   *objectives.Config
	rng   *rand.Rand
	runID string

	elite   *selector.Candidate
	history []historyStep
	ruleIDs []string // registered rewrite rules, sorted for determinism
}

// sandboxTier adapts the process sandbox to the executor's containment
// interface under the constitutional ceilings.
type sandboxTier struct {
	runner *sandbox.Runner
}

func (s sandboxTier) Run(ctx context.Context, source string) (string, error) {
	return s.runner.Run(ctx, source, sandbox.DefaultConfig())
}

type historyStep struct {
	Err  float64 `json:"err"`
	Cost float64 `json:"cost"`
}

// snapshot is the durable per-generation record.
type snapshot struct {
	Generation int           `json:"generation"`
	RunID      string        `json:"run_id"`
	Meta       *meta.Spec    `json:"meta"`
	History    []historyStep `json:"history"`
}

func New(log *zap.Logger, auditor *audit.Logger, registry *zone.Registry, spec *meta.Spec, obj *objectives.Config, cfg Config) (*Orchestrator, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("initial policy rejected: %w", err)
	}
	if cfg.Generations < 1 {
		return nil, fmt.Errorf("generations must be positive, got %d", cfg.Generations)
	}
	if cfg.MetaPeriod < 1 {
		cfg.MetaPeriod = 5
	}
	exec := executor.New(log, auditor)
	var ruleIDs []string
	if len(cfg.Rules) > 0 {
		exec.EnableUntrusted(sandboxTier{sandbox.NewRunner(log)}, cfg.Rules)
		for id := range cfg.Rules {
			ruleIDs = append(ruleIDs, id)
		}
		sort.Strings(ruleIDs)
	}
	return &Orchestrator{
		log:      log,
		auditor:  auditor,
		registry: registry,
		exec:     exec,
		sel:      selector.New(log, auditor),
		cfg:      cfg,
		spec:     spec,
		obj:      obj,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		runID:    uuid.NewString(),
		ruleIDs:  ruleIDs,
	}, nil
}

// Spec returns the currently adopted policy.
func (o *Orchestrator) Spec() *meta.Spec { return o.spec }

// Elite returns the reigning winner, nil before the first acceptance.
func (o *Orchestrator) Elite() *selector.Candidate { return o.elite }

// Run executes the configured number of generations. A context
// cancellation stops between generations; a snapshot or audit write
// failure stops immediately. Candidate-level failures never stop the
// run, they only exclude that candidate.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("run starting",
		zap.String("run_id", o.runID),
		zap.Int("generations", o.cfg.Generations),
		zap.Int("meta_period", o.cfg.MetaPeriod),
	)
	for gen := 0; gen < o.cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.generation(ctx, gen); err != nil {
			return fmt.Errorf("generation %d: %w", gen, err)
		}
		if (gen+1)%o.cfg.MetaPeriod == 0 {
			if err := o.metaStep(gen); err != nil {
				return fmt.Errorf("generation %d meta step: %w", gen, err)
			}
		}
	}
	o.log.Info("run complete", zap.String("run_id", o.runID))
	return nil
}

func (o *Orchestrator) generation(ctx context.Context, gen int) error {
	patches := o.generate()

	var pool []selector.Candidate
	for _, p := range patches {
		cand, err := o.admitAndScore(ctx, p)
		if err != nil {
			if auditErr := o.auditRejection(gen, p, err); auditErr != nil {
				return auditErr
			}
			continue
		}
		pool = append(pool, cand)
	}

	res, err := o.sel.Select(pool, o.elite)
	if err != nil {
		return err
	}
	if res.Winner != nil {
		o.elite = res.Winner
	}

	step := historyStep{Err: 1.0, Cost: 1.0}
	if o.elite != nil {
		step.Err = o.elite.Objectives["error"]
		step.Cost = o.elite.Objectives["cost"]
	}
	o.history = append(o.history, step)

	winnerName := ""
	if res.Winner != nil {
		winnerName = res.Winner.Name
	}
	if err := o.auditor.Log(audit.Record{
		"event":      "generation",
		"run_id":     o.runID,
		"generation": gen,
		"candidates": len(pool),
		"winner":     winnerName,
		"elite_kept": res.Elite,
		"err":        step.Err,
		"cost":       step.Cost,
	}); err != nil {
		return err
	}
	o.log.Info("generation done",
		zap.Int("generation", gen),
		zap.Int("pool", len(pool)),
		zap.String("winner", winnerName),
		zap.Bool("elite_kept", res.Elite),
	)

	return o.writeSnapshot(gen)
}

// generate proposes one patch per (zone, allowed operator) pair whose
// operator carries a positive share in the policy's mix, capped at the
// policy's population cap.
func (o *Orchestrator) generate() []*patch.Patch {
	var out []*patch.Patch
	for _, z := range o.registry.Zones() {
		for _, name := range z.OperatorNames() {
			if share, ok := o.spec.OperatorMix[name]; ok && share == 0 {
				continue
			}
			if len(out) >= o.spec.PopulationCap {
				return out
			}
			out = append(out, o.makePatch(z, name))
		}
	}
	return out
}

func (o *Orchestrator) makePatch(z zone.Zone, opName string) *patch.Patch {
	return &patch.Patch{
		Target:     patch.Target{File: z.File, Function: z.Function},
		Ops:        []patch.Operation{o.makeOp(opName)},
		ThetaDiff:  o.rng.Float64() * constitution.ThetaDiffLimit,
		Purity:     z.Purity,
		Cyclomatic: 1 + o.rng.Intn(z.MaxCyclomatic),
	}
}

func (o *Orchestrator) makeOp(name string) patch.Operation {
	switch name {
	case "CONST_TUNE":
		bounds := [2]float64{-1, 1}
		return patch.ConstTune{
			Delta:  bounds[0] + o.rng.Float64()*(bounds[1]-bounds[0]),
			Bounds: bounds,
		}
	case "EQ_REWRITE":
		if len(o.ruleIDs) > 0 {
			return patch.EqRewrite{RuleID: o.ruleIDs[o.rng.Intn(len(o.ruleIDs))]}
		}
		return patch.EqRewrite{RuleID: fmt.Sprintf("rule-%03d", o.rng.Intn(64))}
	case "INLINE":
		return patch.Inline{Size: 1 << 16, Sleep: time.Millisecond}
	case "EXTRACT":
		return patch.Extract{}
	case "DEADCODE_ELIM":
		return patch.DeadcodeElim{}
	default:
		return patch.MicroMemo{}
	}
}

// admitAndScore runs the full admission pipeline on one patch and, on
// success, measures its objectives. Any failure excludes the patch.
func (o *Orchestrator) admitAndScore(ctx context.Context, p *patch.Patch) (selector.Candidate, error) {
	if err := p.Validate(); err != nil {
		return selector.Candidate{}, err
	}
	if err := o.registry.Verify(p); err != nil {
		return selector.Candidate{}, err
	}
	if err := scan.ScanPatch(p); err != nil {
		return selector.Candidate{}, err
	}
	if err := o.exec.Run(ctx, p); err != nil {
		return selector.Candidate{}, err
	}
	return o.score(p), nil
}

// score measures a surviving patch. Measurements here are synthetic
// but deterministic for a given seed: error and cost draw from the
// run's rng, weighted by the policy's need weights when present.
func (o *Orchestrator) score(p *patch.Patch) selector.Candidate {
	errW, costW := 1.0, 1.0
	if w, ok := o.spec.Weights["error"]; ok {
		errW = 0.5 + w
	}
	if w, ok := o.spec.Weights["cost"]; ok {
		costW = 0.5 + w
	}
	objs := map[string]float64{
		"error": o.rng.Float64() * errW,
		"cost":  o.rng.Float64() * costW,
	}
	thresholds := map[string]bool{"tests_pass": true}
	if o.obj != nil {
		thresholds["tests_pass"] = o.obj.FunctionalPass
		thresholds["quality_ok"] = p.Cyclomatic <= o.obj.Quality.MaxCyclomatic
	}
	return selector.Candidate{
		Name:       fmt.Sprintf("%s:%s/%s", p.Target.File, p.Target.Function, p.OpNames()[0]),
		Patch:      p,
		Objectives: objs,
		Thresholds: thresholds,
	}
}

// auditRejection classifies a candidate failure into its taxonomy and
// writes the audit entry. Quota failures were already audited by the
// executor, so only the log line is added here.
func (o *Orchestrator) auditRejection(gen int, p *patch.Patch, cause error) error {
	var (
		dsl   *patch.DSLViolation
		adm   *zone.AdmissionError
		sec   *scan.SecurityViolation
		quota *executor.QuotaError
	)
	kind := "unknown"
	switch {
	case errors.As(cause, &dsl):
		kind = "dsl_violation"
	case errors.As(cause, &adm):
		kind = "admission_refused"
	case errors.As(cause, &sec):
		kind = "security_violation"
	case errors.As(cause, &quota):
		kind = "quota_violation"
	}

	o.log.Warn("candidate rejected",
		zap.Int("generation", gen),
		zap.String("target", p.Target.File+":"+p.Target.Function),
		zap.String("kind", kind),
		zap.Error(cause),
	)
	if kind == "quota_violation" {
		return nil
	}
	return o.auditor.Log(audit.Record{
		"event":      "rejection",
		"run_id":     o.runID,
		"generation": gen,
		"target":     p.Target.File + ":" + p.Target.Function,
		"ops":        p.OpNames(),
		"kind":       kind,
		"reason":     cause.Error(),
	})
}

// metaStep proposes a policy mutation and adopts it only if the
// proposal does not shrink the population cap. Either outcome is
// logged and audited; a rejected proposal never disturbs the current
// policy.
func (o *Orchestrator) metaStep(gen int) error {
	proposal, err := meta.ProposeMutation(o.spec, o.rng)
	if err != nil {
		// A constitutional violation kills the proposal, never the
		// run. The current policy stays in force.
		o.log.Warn("meta proposal violated the constitution",
			zap.Int("generation", gen),
			zap.Error(err),
		)
		return o.auditor.Log(audit.Record{
			"event":      "meta_rejected",
			"run_id":     o.runID,
			"generation": gen,
			"reason":     err.Error(),
		})
	}

	if proposal.PopulationCap < o.spec.PopulationCap {
		o.log.Info("meta proposal rejected",
			zap.Int("generation", gen),
			zap.Int("current_cap", o.spec.PopulationCap),
			zap.Int("proposed_cap", proposal.PopulationCap),
		)
		return o.auditor.Log(audit.Record{
			"event":        "meta_rejected",
			"run_id":       o.runID,
			"generation":   gen,
			"reason":       "population cap would shrink",
			"current_cap":  o.spec.PopulationCap,
			"proposed_cap": proposal.PopulationCap,
		})
	}

	o.spec = proposal
	o.log.Info("meta proposal adopted",
		zap.Int("generation", gen),
		zap.Int("population_cap", o.spec.PopulationCap),
	)
	return o.auditor.Log(audit.Record{
		"event":          "meta_adopted",
		"run_id":         o.runID,
		"generation":     gen,
		"population_cap": o.spec.PopulationCap,
	})
}

// writeSnapshot persists the generation's state. The write goes to a
// temp file first and renames into place so a crash never leaves a
// truncated snapshot behind.
func (o *Orchestrator) writeSnapshot(gen int) error {
	if o.cfg.SnapshotDir == "" {
		return nil
	}
	if err := os.MkdirAll(o.cfg.SnapshotDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	snap := snapshot{
		Generation: gen,
		RunID:      o.runID,
		Meta:       o.spec,
		History:    o.history,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	final := filepath.Join(o.cfg.SnapshotDir, fmt.Sprintf("gen_%04d.json", gen))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}
