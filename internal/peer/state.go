package peer

import (
	"errors"
	"fmt"
	"iter"
)

var (
	ErrTTLExhausted = errors.New("ttl exhausted")
	ErrUnknownPeer  = errors.New("unknown peer")
)

// State is the infection state of one run's population.
//
// NotInfected is maintained incrementally as peers are infected. The
// adversary view trails it by one round: infections are recorded per round
// in a two-slot window and evicted from the view only when the slot is two
// rounds old.
type State struct {
	n        int
	maxTTL   int
	infected []bool
	ttl      []int
	count    int

	notInfected *idSet
	view        *idSet
	window      [][]int
	round       int
}

func NewState(n, maxTTL int) *State {
	if maxTTL < 0 {
		maxTTL = 0
	}
	return &State{
		n:           n,
		maxTTL:      maxTTL,
		infected:    make([]bool, n),
		ttl:         make([]int, n),
		notInfected: newFullSet(n),
		view:        newFullSet(n),
		window:      [][]int{nil},
	}
}

func (s *State) InfectedCount() int {
	return s.count
}

func (s *State) IsInfected(p int) bool {
	return p >= 0 && p < s.n && s.infected[p]
}

func (s *State) TTL(p int) int {
	if p < 0 || p >= s.n {
		return 0
	}
	return s.ttl[p]
}

// Round is the number of completed AdvanceRound calls.
func (s *State) Round() int {
	return s.round
}

// Infect marks p infected with a full TTL budget. Infecting an already
// infected peer is a no-op.
func (s *State) Infect(p int) error {
	if p < 0 || p >= s.n {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, p)
	}
	if s.infected[p] {
		return nil
	}
	s.infected[p] = true
	s.ttl[p] = s.maxTTL
	s.count++
	s.notInfected.remove(p)
	last := len(s.window) - 1
	s.window[last] = append(s.window[last], p)
	return nil
}

func (s *State) InfectAll(ps []int) error {
	for _, p := range ps {
		if err := s.Infect(p); err != nil {
			return err
		}
	}
	return nil
}

// Spend consumes one forwarding action of p.
func (s *State) Spend(p int) error {
	if p < 0 || p >= s.n {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, p)
	}
	if s.ttl[p] <= 0 {
		return fmt.Errorf("%w: peer %d", ErrTTLExhausted, p)
	}
	s.ttl[p]--
	return nil
}

// WithRemainingTTL yields peers whose ttl is positive. Each call rescans, so
// the sequence can be restarted; callers must not mutate the state while
// ranging over it.
func (s *State) WithRemainingTTL() iter.Seq[int] {
	return func(yield func(int) bool) {
		for p, t := range s.ttl {
			if t > 0 && !yield(p) {
				return
			}
		}
	}
}

func (s *State) Infected() iter.Seq[int] {
	return func(yield func(int) bool) {
		for p, inf := range s.infected {
			if inf && !yield(p) {
				return
			}
		}
	}
}

func (s *State) NotInfected() []int {
	return s.notInfected.snapshot()
}

func (s *State) NotInfectedCount() int {
	return s.notInfected.len()
}

func (s *State) AdversaryView() []int {
	return s.view.snapshot()
}

func (s *State) InAdversaryView(p int) bool {
	return s.view.has(p)
}

// AdvanceRound closes the current round. From the second call on, the oldest
// window slot is dropped and, when lag is set, its peers leave the adversary
// view. In round 0 the adversary has learned nothing yet.
func (s *State) AdvanceRound(lag bool) {
	if s.round > 0 {
		oldest := s.window[0]
		if lag {
			for _, p := range oldest {
				s.view.remove(p)
			}
		}
		s.window[0] = nil
		s.window = s.window[1:]
	}
	s.window = append(s.window, nil)
	s.round++
}

// CheckInvariants scans the whole state. It is O(n) and meant for tests and
// debug runs.
func (s *State) CheckInvariants() error {
	if s.count < 0 || s.count > s.n {
		return fmt.Errorf("infected count %d outside [0,%d]", s.count, s.n)
	}
	if s.count+s.notInfected.len() != s.n {
		return fmt.Errorf("infected %d + not infected %d != %d", s.count, s.notInfected.len(), s.n)
	}
	for p := 0; p < s.n; p++ {
		if s.ttl[p] < 0 {
			return fmt.Errorf("peer %d has negative ttl %d", p, s.ttl[p])
		}
		if !s.infected[p] && s.ttl[p] != 0 {
			return fmt.Errorf("peer %d not infected with ttl %d", p, s.ttl[p])
		}
		if s.infected[p] == s.notInfected.has(p) {
			return fmt.Errorf("peer %d infected=%v disagrees with not-infected set", p, s.infected[p])
		}
		if s.notInfected.has(p) && !s.view.has(p) {
			return fmt.Errorf("adversary view lost non-infected peer %d", p)
		}
	}
	return nil
}
