// Package adversary models a denial-of-service attacker that blocks a subset
// of peers from sending or receiving in a round.
package adversary

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
)

type Kind int

const (
	// KindProbabilistic blocks each candidate independently with probability a.
	KindProbabilistic Kind = iota
	// KindBudgeted blocks exactly a candidates when it has more than a to pick from.
	KindBudgeted
	// KindNone never blocks.
	KindNone
)

var ErrInvalidPolicy = errors.New("invalid adversary policy")

func (k Kind) String() string {
	switch k {
	case KindProbabilistic:
		return "probabilistic"
	case KindBudgeted:
		return "budgeted"
	case KindNone:
		return "none"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "probabilistic", "prob", "epsilon":
		return KindProbabilistic, nil
	case "budgeted", "budget":
		return KindBudgeted, nil
	case "none", "off":
		return KindNone, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidPolicy, s)
	}
}

// Policy picks the peers to block in one round. Implementations return a
// fresh slice and never modify candidates.
type Policy interface {
	SelectBlocked(candidates []int) []int
	Name() string
}

type Options struct {
	// BlockAllUnderBudget makes a budgeted adversary block every candidate
	// when there are no more candidates than budget. The default blocks none.
	BlockAllUnderBudget bool
}

func New(kind Kind, a float64, opts Options, rng *rand.Rand) (Policy, error) {
	switch kind {
	case KindProbabilistic:
		if a < 0 || a > 1 || math.IsNaN(a) {
			return nil, fmt.Errorf("%w: probability %v outside [0,1]", ErrInvalidPolicy, a)
		}
		return NewProbabilistic(a, rng), nil
	case KindBudgeted:
		if a < 0 || a != math.Trunc(a) || a > math.MaxInt32 {
			return nil, fmt.Errorf("%w: budget %v is not a non-negative integer", ErrInvalidPolicy, a)
		}
		return NewBudgeted(int(a), opts.BlockAllUnderBudget, rng), nil
	case KindNone:
		return None{}, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, kind)
	}
}

type None struct{}

func (None) SelectBlocked([]int) []int { return nil }

func (None) Name() string { return KindNone.String() }

type Probabilistic struct {
	epsilon float64
	rng     *rand.Rand
}

func NewProbabilistic(epsilon float64, rng *rand.Rand) *Probabilistic {
	return &Probabilistic{epsilon: epsilon, rng: rng}
}

func (p *Probabilistic) Name() string { return KindProbabilistic.String() }

func (p *Probabilistic) SelectBlocked(candidates []int) []int {
	if p.epsilon <= 0 {
		return nil
	}
	var out []int
	for _, c := range candidates {
		if p.rng.Float64() < p.epsilon {
			out = append(out, c)
		}
	}
	return out
}

type Budgeted struct {
	budget   int
	blockAll bool
	rng      *rand.Rand
}

func NewBudgeted(budget int, blockAllUnderBudget bool, rng *rand.Rand) *Budgeted {
	return &Budgeted{budget: budget, blockAll: blockAllUnderBudget, rng: rng}
}

func (b *Budgeted) Name() string { return KindBudgeted.String() }

func (b *Budgeted) SelectBlocked(candidates []int) []int {
	if len(candidates) <= b.budget {
		if b.blockAll && len(candidates) > 0 {
			out := make([]int, len(candidates))
			copy(out, candidates)
			return out
		}
		return nil
	}
	if b.budget == 0 {
		return nil
	}
	// shuffle-then-take, stopped after budget steps
	pool := make([]int, len(candidates))
	copy(pool, candidates)
	for i := 0; i < b.budget; i++ {
		j := i + b.rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:b.budget]
}
