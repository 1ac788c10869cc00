package peer

import (
	"errors"
	"slices"
	"testing"
)

func TestStateInfectIsMonotonicAndIdempotent(t *testing.T) {
	s := NewState(5, 2)
	if err := s.Infect(3); err != nil {
		t.Fatalf("infect failed: %v", err)
	}
	if err := s.Infect(3); err != nil {
		t.Fatalf("re-infect failed: %v", err)
	}
	if s.InfectedCount() != 1 {
		t.Fatalf("expected 1 infected, got %d", s.InfectedCount())
	}
	if !s.IsInfected(3) || s.TTL(3) != 2 {
		t.Fatalf("expected peer 3 infected with ttl 2, got %v/%d", s.IsInfected(3), s.TTL(3))
	}
	if err := s.InfectAll([]int{0, 1, 3}); err != nil {
		t.Fatalf("infect all failed: %v", err)
	}
	if s.InfectedCount() != 3 || s.NotInfectedCount() != 2 {
		t.Fatalf("expected 3/2 split, got %d/%d", s.InfectedCount(), s.NotInfectedCount())
	}
	got := s.NotInfected()
	slices.Sort(got)
	if !slices.Equal(got, []int{2, 4}) {
		t.Fatalf("unexpected not infected set %v", got)
	}
	if err := s.Infect(5); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected unknown peer, got %v", err)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestStateSpendNeverGoesNegative(t *testing.T) {
	s := NewState(3, 2)
	_ = s.Infect(0)
	if err := s.Spend(0); err != nil {
		t.Fatalf("first spend failed: %v", err)
	}
	if err := s.Spend(0); err != nil {
		t.Fatalf("second spend failed: %v", err)
	}
	if err := s.Spend(0); !errors.Is(err, ErrTTLExhausted) {
		t.Fatalf("expected ttl exhausted, got %v", err)
	}
	if s.TTL(0) != 0 || !s.IsInfected(0) {
		t.Fatalf("expected peer to stay infected with ttl 0")
	}
	if err := s.Spend(1); !errors.Is(err, ErrTTLExhausted) {
		t.Fatalf("expected non-infected spend to fail, got %v", err)
	}
	for p := range s.WithRemainingTTL() {
		t.Fatalf("peer %d yielded with zero ttl", p)
	}
}

func TestStateWithRemainingTTLRestarts(t *testing.T) {
	s := NewState(6, 1)
	_ = s.InfectAll([]int{1, 4})
	first := slices.Collect(s.WithRemainingTTL())
	second := slices.Collect(s.WithRemainingTTL())
	if !slices.Equal(first, []int{1, 4}) || !slices.Equal(first, second) {
		t.Fatalf("unexpected ttl scans %v %v", first, second)
	}
	_ = s.Spend(1)
	if got := slices.Collect(s.WithRemainingTTL()); !slices.Equal(got, []int{4}) {
		t.Fatalf("expected only peer 4, got %v", got)
	}
	if got := slices.Collect(s.Infected()); !slices.Equal(got, []int{1, 4}) {
		t.Fatalf("expected infected 1,4, got %v", got)
	}
}

func TestStateAdversaryViewLagsOneRound(t *testing.T) {
	s := NewState(10, 1)
	_ = s.Infect(0) // seed

	// round 0
	_ = s.InfectAll([]int{1, 2})
	s.AdvanceRound(true)
	if !s.InAdversaryView(0) || !s.InAdversaryView(1) {
		t.Fatalf("adversary must learn nothing at the end of round 0")
	}

	// round 1
	_ = s.Infect(3)
	s.AdvanceRound(true)
	for _, p := range []int{0, 1, 2} {
		if s.InAdversaryView(p) {
			t.Fatalf("peer %d should have left the view after round 1", p)
		}
	}
	if !s.InAdversaryView(3) {
		t.Fatalf("round 1 infection should still be in the view")
	}

	// round 2
	s.AdvanceRound(true)
	if s.InAdversaryView(3) {
		t.Fatalf("round 1 infection should leave the view after round 2")
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestStateViewFrozenWithoutLag(t *testing.T) {
	s := NewState(4, 1)
	_ = s.Infect(0)
	for i := 0; i < 5; i++ {
		s.AdvanceRound(false)
	}
	if len(s.AdversaryView()) != 4 {
		t.Fatalf("expected untouched view, got %v", s.AdversaryView())
	}
	if len(s.window) != 2 {
		t.Fatalf("expected window to stay bounded, got %d slots", len(s.window))
	}
}

func TestStateViewContainsNotInfected(t *testing.T) {
	s := NewState(50, 2)
	_ = s.Infect(7)
	for r := 0; r < 20; r++ {
		for p := r; p < 50; p += 7 {
			_ = s.Infect(p)
		}
		s.AdvanceRound(true)
		for _, p := range s.NotInfected() {
			if !s.InAdversaryView(p) {
				t.Fatalf("round %d: view lost non-infected peer %d", r, p)
			}
		}
	}
}
