package selector

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"evokernel/internal/audit"
	"evokernel/internal/patch"
)

// Candidate is a scored patch entering selection. Objectives hold
// measured values under the minimization convention: smaller is better
// for every key. Thresholds records the pass/fail hard gates the
// candidate was measured against.
type Candidate struct {
	Name       string
	Patch      *patch.Patch
	Objectives map[string]float64
	Thresholds map[string]bool
}

// passesThresholds reports whether every hard gate passed. A candidate
// with no gates recorded passes vacuously.
func (c Candidate) passesThresholds() bool {
	for _, ok := range c.Thresholds {
		if !ok {
			return false
		}
	}
	return true
}

// Dominates reports whether c is at least as good as other on every
// shared objective and strictly better on at least one. Keys are
// compared under minimization. Objectives present in only one of the
// two candidates are ignored; domination is decided on the shared set.
func (c Candidate) Dominates(other Candidate) bool {
	strict := false
	for key, v := range c.Objectives {
		ov, ok := other.Objectives[key]
		if !ok {
			continue
		}
		if v > ov {
			return false
		}
		if v < ov {
			strict = true
		}
	}
	return strict
}

// Decision records the fate of one candidate through a selection round.
type Decision struct {
	Candidate Candidate
	Accepted  bool
	Reason    string
}

// Result is the outcome of one selection round. Winner is nil when no
// candidate survived the gates and the incumbent was retained.
type Result struct {
	Winner    *Candidate
	Elite     bool // incumbent retained, no challenger accepted
	Decisions []Decision
}

// Selector runs threshold-gated non-dominated selection with
// conservative elitism: the incumbent elite is only displaced by a
// challenger that strictly dominates it.
type Selector struct {
	log     *zap.Logger
	auditor *audit.Logger
}

func New(log *zap.Logger, auditor *audit.Logger) *Selector {
	return &Selector{log: log, auditor: auditor}
}

// Select reduces the candidate pool against the incumbent elite.
// elite may be nil for the first round. The incumbent faces the same
// hard gates as every challenger. The returned Result carries a
// per-candidate decision trail; every fate is also written to the audit
// log.
func (s *Selector) Select(pool []Candidate, elite *Candidate) (Result, error) {
	var res Result

	// Hard gates first. Candidates that fail any threshold never reach
	// the dominance comparison, the incumbent included.
	var survivors []Candidate
	for _, c := range pool {
		if !c.passesThresholds() {
			if err := s.record(&res, c, false, "failed thresholds"); err != nil {
				return res, err
			}
			continue
		}
		survivors = append(survivors, c)
	}
	if elite != nil && !elite.passesThresholds() {
		if err := s.record(&res, *elite, false, "failed thresholds"); err != nil {
			return res, err
		}
		elite = nil
	}

	// Conservative elitism: an incumbent that no survivor strictly
	// dominates stays in place and the round ends.
	if elite != nil {
		displaced := false
		for _, c := range survivors {
			if c.Dominates(*elite) {
				displaced = true
				break
			}
		}
		if !displaced {
			for _, c := range survivors {
				if err := s.record(&res, c, false, lossReason(*elite, c)); err != nil {
					return res, err
				}
			}
			if err := s.record(&res, *elite, true, "retained as elite"); err != nil {
				return res, err
			}
			res.Winner = elite
			res.Elite = true
			return res, nil
		}
	}

	if len(survivors) == 0 {
		return res, nil
	}

	// A displaced incumbent re-enters the pool as an ordinary
	// candidate; its fate is decided and logged like any other.
	contenders := survivors
	if elite != nil {
		contenders = append(append([]Candidate(nil), survivors...), *elite)
	}

	fronts := fastNonDominatedSort(contenders)
	first := fronts[0]
	dist := crowdingDistance(contenders, first)

	// Winner is the first-front member with the largest crowding
	// distance; ties break toward pool order.
	best := first[0]
	for _, idx := range first[1:] {
		if dist[idx] > dist[best] {
			best = idx
		}
	}

	for i, c := range contenders {
		if i == best {
			if err := s.record(&res, c, true, "accepted"); err != nil {
				return res, err
			}
			winner := c
			res.Winner = &winner
			continue
		}
		if err := s.record(&res, c, false, lossReason(contenders[best], c)); err != nil {
			return res, err
		}
	}
	return res, nil
}

// lossReason explains a rejection relative to the accepted candidate.
func lossReason(winner, loser Candidate) string {
	if winner.Dominates(loser) {
		return "dominated by accepted patch"
	}
	return "crowded out"
}

func (s *Selector) record(res *Result, c Candidate, accepted bool, reason string) error {
	res.Decisions = append(res.Decisions, Decision{Candidate: c, Accepted: accepted, Reason: reason})
	s.log.Info("selection decision",
		zap.String("candidate", c.Name),
		zap.Bool("accepted", accepted),
		zap.String("reason", reason),
	)
	if s.auditor == nil {
		return nil
	}
	objs := make(map[string]any, len(c.Objectives))
	for k, v := range c.Objectives {
		objs[k] = v
	}
	return s.auditor.Log(audit.Record{
		"event":      "selection",
		"candidate":  c.Name,
		"accepted":   accepted,
		"reason":     reason,
		"objectives": objs,
	})
}

// fastNonDominatedSort partitions candidate indices into Pareto fronts,
// best front first. Every index appears in exactly one front.
func fastNonDominatedSort(pool []Candidate) [][]int {
	n := len(pool)
	dominated := make([][]int, n) // indices each candidate dominates
	counts := make([]int, n)      // how many candidates dominate this one

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if pool[i].Dominates(pool[j]) {
				dominated[i] = append(dominated[i], j)
			} else if pool[j].Dominates(pool[i]) {
				counts[i]++
			}
		}
	}

	var fronts [][]int
	var current []int
	for i := 0; i < n; i++ {
		if counts[i] == 0 {
			current = append(current, i)
		}
	}
	for len(current) > 0 {
		fronts = append(fronts, current)
		var next []int
		for _, i := range current {
			for _, j := range dominated[i] {
				counts[j]--
				if counts[j] == 0 {
					next = append(next, j)
				}
			}
		}
		current = next
	}
	return fronts
}

// crowdingDistance assigns the NSGA-II crowding metric to the given
// front. Boundary candidates on each objective get +Inf; interior ones
// accumulate normalized neighbor gaps. A degenerate objective whose
// range is zero contributes with denominator 1 instead of dividing by
// zero.
func crowdingDistance(pool []Candidate, front []int) map[int]float64 {
	dist := make(map[int]float64, len(front))
	for _, idx := range front {
		dist[idx] = 0
	}
	if len(front) <= 2 {
		for _, idx := range front {
			dist[idx] = math.Inf(1)
		}
		return dist
	}

	keys := objectiveKeys(pool, front)
	for _, key := range keys {
		order := append([]int(nil), front...)
		sort.SliceStable(order, func(a, b int) bool {
			return pool[order[a]].Objectives[key] < pool[order[b]].Objectives[key]
		})
		lo := pool[order[0]].Objectives[key]
		hi := pool[order[len(order)-1]].Objectives[key]
		denom := hi - lo
		if denom == 0 {
			denom = 1
		}
		dist[order[0]] = math.Inf(1)
		dist[order[len(order)-1]] = math.Inf(1)
		for i := 1; i < len(order)-1; i++ {
			idx := order[i]
			if math.IsInf(dist[idx], 1) {
				continue
			}
			gap := pool[order[i+1]].Objectives[key] - pool[order[i-1]].Objectives[key]
			dist[idx] += gap / denom
		}
	}
	return dist
}

func objectiveKeys(pool []Candidate, front []int) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, idx := range front {
		for k := range pool[idx].Objectives {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
