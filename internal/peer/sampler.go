package peer

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

var ErrSamplerExhaustion = errors.New("sampler exhaustion")

// Below this fan-out, drawing with rejection is cheaper than touching the
// permutation.
const rejectionMaxK = 32

// Sampler draws peers without replacement from a population of n.
// A Sampler is not safe for concurrent use; each run owns one.
type Sampler struct {
	n    int
	rng  *rand.Rand
	perm []int
	pos  []int
}

func NewSampler(n int, rng *rand.Rand) *Sampler {
	return &Sampler{n: n, rng: rng}
}

// Sample appends k distinct peers other than exclude to dst[:0].
// It requires 0 <= k < n and exclude in [0, n).
func (s *Sampler) Sample(dst []int, exclude, k int) ([]int, error) {
	dst = dst[:0]
	if k < 0 || k >= s.n {
		return dst, fmt.Errorf("%w: k=%d n=%d", ErrSamplerExhaustion, k, s.n)
	}
	if exclude < 0 || exclude >= s.n {
		return dst, fmt.Errorf("exclude %d outside population %d", exclude, s.n)
	}
	if k == 0 {
		return dst, nil
	}
	if k <= rejectionMaxK && 4*k <= s.n {
		return s.rejection(dst, exclude, k), nil
	}
	return s.partialShuffle(dst, exclude, k), nil
}

func (s *Sampler) rejection(dst []int, exclude, k int) []int {
	for len(dst) < k {
		p := s.rng.IntN(s.n)
		if p == exclude || contains(dst, p) {
			continue
		}
		dst = append(dst, p)
	}
	return dst
}

// partialShuffle parks exclude at the tail of a persistent permutation and
// runs k Fisher-Yates steps over the remaining prefix. Any starting
// permutation yields a uniform subset, so the state is never reset.
func (s *Sampler) partialShuffle(dst []int, exclude, k int) []int {
	if s.perm == nil {
		s.perm = make([]int, s.n)
		s.pos = make([]int, s.n)
		for i := range s.perm {
			s.perm[i] = i
			s.pos[i] = i
		}
	}
	last := s.n - 1
	s.swap(s.pos[exclude], last)
	for i := 0; i < k; i++ {
		j := i + s.rng.IntN(last-i)
		s.swap(i, j)
		dst = append(dst, s.perm[i])
	}
	return dst
}

func (s *Sampler) swap(i, j int) {
	if i == j {
		return
	}
	a, b := s.perm[i], s.perm[j]
	s.perm[i], s.perm[j] = b, a
	s.pos[a], s.pos[b] = j, i
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
