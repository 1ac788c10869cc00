package driver

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Grid is the parameter space of a sweep. Every combination becomes one job
// per replicate.
type Grid struct {
	N   []int
	A   []float64
	H   []int // empty: 1 .. int(ln n)-1 for each n
	K   []int
	TTL []int

	Replicates int
}

// Job is one cell of the grid. Index is its position in enumeration order,
// which is also the order of the sweep output.
type Job struct {
	Index     int
	H         int
	K         int
	N         int
	A         float64
	TTL       int
	Replicate int
}

// DefaultHs is the historical forwarding horizon range for population n.
func DefaultHs(n int) []int {
	if n < 2 {
		return nil
	}
	maxH := int(math.Log(float64(n)))
	var out []int
	for h := 1; h < maxH; h++ {
		out = append(out, h)
	}
	return out
}

// Jobs enumerates n, a, h, k, ttl, replicate with the last varying fastest.
func (g Grid) Jobs() []Job {
	reps := g.Replicates
	if reps <= 0 {
		reps = 1
	}
	var out []Job
	for _, n := range g.N {
		hs := g.H
		if len(hs) == 0 {
			hs = DefaultHs(n)
		}
		for _, a := range g.A {
			for _, h := range hs {
				for _, k := range g.K {
					for _, ttl := range g.TTL {
						for rep := 0; rep < reps; rep++ {
							out = append(out, Job{
								Index:     len(out),
								H:         h,
								K:         k,
								N:         n,
								A:         a,
								TTL:       ttl,
								Replicate: rep,
							})
						}
					}
				}
			}
		}
	}
	return out
}

// ParseInts accepts "3", "1,2,5" and inclusive ranges "lo:hi" or "lo:hi:step",
// mixed with commas.
func ParseInts(s string) ([]int, error) {
	var out []int
	for _, part := range splitList(s) {
		if !strings.Contains(part, ":") {
			v, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("bad integer %q", part)
			}
			out = append(out, v)
			continue
		}
		bounds := strings.Split(part, ":")
		if len(bounds) > 3 {
			return nil, fmt.Errorf("bad range %q", part)
		}
		nums := make([]int, len(bounds))
		for i, b := range bounds {
			v, err := strconv.Atoi(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("bad range %q", part)
			}
			nums[i] = v
		}
		step := 1
		if len(nums) == 3 {
			step = nums[2]
		}
		if step <= 0 || nums[1] < nums[0] {
			return nil, fmt.Errorf("bad range %q", part)
		}
		for v := nums[0]; v <= nums[1]; v += step {
			out = append(out, v)
		}
	}
	return out, nil
}

// ParseFloats is ParseInts for real values; a range needs an explicit step.
func ParseFloats(s string) ([]float64, error) {
	var out []float64
	for _, part := range splitList(s) {
		if !strings.Contains(part, ":") {
			v, err := strconv.ParseFloat(part, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", part)
			}
			out = append(out, v)
			continue
		}
		bounds := strings.Split(part, ":")
		if len(bounds) != 3 {
			return nil, fmt.Errorf("float range %q needs lo:hi:step", part)
		}
		var nums [3]float64
		for i, b := range bounds {
			v, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
			if err != nil {
				return nil, fmt.Errorf("bad range %q", part)
			}
			nums[i] = v
		}
		lo, hi, step := nums[0], nums[1], nums[2]
		if step <= 0 || hi < lo {
			return nil, fmt.Errorf("bad range %q", part)
		}
		for i := 0; ; i++ {
			v := math.Round((lo+float64(i)*step)*1e9) / 1e9
			if v > hi+step*1e-9 {
				break
			}
			out = append(out, v)
		}
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
