package meta

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"evokernel/internal/constitution"
	"evokernel/internal/patch"
)

// weightTolerance is the slack allowed when checking that objective
// weights sum to one.
const weightTolerance = 1e-6

// Spec is the evolvable search policy. Weights and OperatorMix are
// normalized distributions; PopulationCap and DiffMax sit under
// constitutional ceilings; Forbidden must stay empty at the spec level,
// forbidden capabilities live in the scanner.
type Spec struct {
	Weights           map[string]float64 `yaml:"weights" json:"weights"`
	OperatorMix       map[string]float64 `yaml:"operator_mix" json:"operator_mix"`
	PopulationCap     int                `yaml:"population_cap" json:"population_cap"`
	SelectionStrategy string             `yaml:"selection_strategy" json:"selection_strategy"`
	DiffMax           int                `yaml:"diff_max" json:"diff_max"`
	Forbidden         []string           `yaml:"forbidden" json:"forbidden"`
}

// ViolationKind identifies which constitutional check a spec failed.
type ViolationKind int

const (
	BadWeights ViolationKind = iota
	UnknownOperator
	BadOperatorMix
	BadPopulationCap
	BadStrategy
	DiffMaxExceedsCeiling
	ForbiddenNonEmpty
)

func (k ViolationKind) String() string {
	switch k {
	case BadWeights:
		return "bad_weights"
	case UnknownOperator:
		return "unknown_operator"
	case BadOperatorMix:
		return "bad_operator_mix"
	case BadPopulationCap:
		return "bad_population_cap"
	case BadStrategy:
		return "bad_strategy"
	case DiffMaxExceedsCeiling:
		return "diff_max_exceeds_ceiling"
	case ForbiddenNonEmpty:
		return "forbidden_nonempty"
	default:
		return "unknown"
	}
}

// Violation is a constitutional rejection of a proposed spec.
type Violation struct {
	Kind   ViolationKind
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("meta spec violation (%s): %s", v.Kind, v.Detail)
}

var knownStrategies = map[string]bool{
	"elitism": true,
}

// Validate checks the spec against the constitution. Checks run in a
// fixed order and the first failure is returned.
func (s *Spec) Validate() error {
	if len(s.Weights) == 0 {
		return &Violation{Kind: BadWeights, Detail: "weights must be provided"}
	}
	sum := 0.0
	for key, w := range s.Weights {
		if w < 0 {
			return &Violation{Kind: BadWeights, Detail: fmt.Sprintf("weight %q is negative", key)}
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return &Violation{Kind: BadWeights, Detail: fmt.Sprintf("weights sum to %g, want 1", sum)}
	}

	if len(s.OperatorMix) == 0 {
		return &Violation{Kind: BadOperatorMix, Detail: "operator mix must be provided"}
	}
	mixSum := 0.0
	for name, share := range s.OperatorMix {
		if !patch.IsKnownOperator(name) {
			return &Violation{Kind: UnknownOperator, Detail: fmt.Sprintf("operator mix names unknown operator %q", name)}
		}
		if share < 0 {
			return &Violation{Kind: BadOperatorMix, Detail: fmt.Sprintf("operator %q has negative share", name)}
		}
		mixSum += share
	}
	if math.Abs(mixSum-1.0) > weightTolerance {
		return &Violation{Kind: BadOperatorMix, Detail: fmt.Sprintf("operator mix sums to %g, want 1", mixSum)}
	}

	if s.PopulationCap < 1 || s.PopulationCap > constitution.MaxPopulationCap {
		return &Violation{Kind: BadPopulationCap, Detail: fmt.Sprintf("population cap %d outside [1, %d]", s.PopulationCap, constitution.MaxPopulationCap)}
	}

	if !knownStrategies[s.SelectionStrategy] {
		return &Violation{Kind: BadStrategy, Detail: fmt.Sprintf("unknown selection strategy %q", s.SelectionStrategy)}
	}

	if s.DiffMax > constitution.DiffLimit {
		return &Violation{Kind: DiffMaxExceedsCeiling, Detail: fmt.Sprintf("diff_max %d exceeds ceiling %d", s.DiffMax, constitution.DiffLimit)}
	}

	if len(s.Forbidden) != 0 {
		return &Violation{Kind: ForbiddenNonEmpty, Detail: "forbidden list must stay empty; capability bans are not evolvable"}
	}
	return nil
}

// Load reads and validates a spec from a YAML file.
func Load(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var s Spec
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Clone deep-copies the spec.
func (s *Spec) Clone() *Spec {
	out := &Spec{
		Weights:           make(map[string]float64, len(s.Weights)),
		OperatorMix:       make(map[string]float64, len(s.OperatorMix)),
		PopulationCap:     s.PopulationCap,
		SelectionStrategy: s.SelectionStrategy,
		DiffMax:           s.DiffMax,
	}
	for k, v := range s.Weights {
		out.Weights[k] = v
	}
	for k, v := range s.OperatorMix {
		out.OperatorMix[k] = v
	}
	if s.Forbidden != nil {
		out.Forbidden = append([]string(nil), s.Forbidden...)
	}
	return out
}

// ProposeMutation derives a perturbed copy of the spec. One weight key
// and one operator-mix key each get a bounded random nudge; negatives
// clamp to zero and the distributions renormalize (an all-zero
// distribution resets to uniform). The population cap moves by at most
// one and stays in [1, MaxPopulationCap]. Strategy, diff_max and the
// forbidden list are not evolvable and pass through untouched. The
// proposal is validated before it is returned.
func ProposeMutation(s *Spec, rng *rand.Rand) (*Spec, error) {
	out := s.Clone()

	perturbOne(out.Weights, rng, 0.1)
	renormalize(out.Weights)

	perturbOne(out.OperatorMix, rng, 0.1)
	renormalize(out.OperatorMix)

	out.PopulationCap += rng.Intn(3) - 1 // -1, 0 or +1
	if out.PopulationCap < 1 {
		out.PopulationCap = 1
	}
	if out.PopulationCap > constitution.MaxPopulationCap {
		out.PopulationCap = constitution.MaxPopulationCap
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// perturbOne nudges a single key of the distribution by a delta drawn
// uniformly from [-scale, scale], clamping at zero. Key choice is
// deterministic given the rng state.
func perturbOne(dist map[string]float64, rng *rand.Rand, scale float64) {
	if len(dist) == 0 {
		return
	}
	keys := make([]string, 0, len(dist))
	for k := range dist {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := keys[rng.Intn(len(keys))]
	dist[key] += (rng.Float64()*2 - 1) * scale
	if dist[key] < 0 {
		dist[key] = 0
	}
}

// renormalize scales the distribution to sum to one. An all-zero
// distribution resets to uniform rather than dividing by zero.
func renormalize(dist map[string]float64) {
	if len(dist) == 0 {
		return
	}
	sum := 0.0
	for _, v := range dist {
		if v < 0 {
			v = 0
		}
		sum += v
	}
	if sum == 0 {
		u := 1.0 / float64(len(dist))
		for k := range dist {
			dist[k] = u
		}
		return
	}
	for k, v := range dist {
		if v < 0 {
			v = 0
		}
		dist[k] = v / sum
	}
}
