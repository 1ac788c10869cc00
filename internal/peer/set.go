package peer

// idSet is a dense set over [0, n) with constant-time removal. Member order is
// arbitrary but deterministic for a given sequence of removals.
type idSet struct {
	members []int
	pos     []int
}

func newFullSet(n int) *idSet {
	s := &idSet{
		members: make([]int, n),
		pos:     make([]int, n),
	}
	for i := 0; i < n; i++ {
		s.members[i] = i
		s.pos[i] = i
	}
	return s
}

func (s *idSet) has(p int) bool {
	return p >= 0 && p < len(s.pos) && s.pos[p] >= 0
}

func (s *idSet) remove(p int) bool {
	if !s.has(p) {
		return false
	}
	i := s.pos[p]
	last := len(s.members) - 1
	moved := s.members[last]
	s.members[i] = moved
	s.pos[moved] = i
	s.members = s.members[:last]
	s.pos[p] = -1
	return true
}

func (s *idSet) len() int {
	return len(s.members)
}

func (s *idSet) snapshot() []int {
	out := make([]int, len(s.members))
	copy(out, s.members)
	return out
}
