package sim

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidConfiguration = errors.New("invalid configuration")

// RunConfig is the parameter tuple of one run. It is validated once by
// NewRunConfig and treated as read-only afterwards.
type RunConfig struct {
	H      int     `json:"h" cbor:"h"`
	K      int     `json:"k" cbor:"k"`
	N      int     `json:"n" cbor:"n"`
	A      float64 `json:"a" cbor:"a"`
	MaxTTL int     `json:"ttl" cbor:"ttl"`
}

func NewRunConfig(h, k, n int, a float64, maxTTL int) (RunConfig, error) {
	cfg := RunConfig{H: h, K: k, N: n, A: a, MaxTTL: maxTTL}
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

func (c RunConfig) Validate() error {
	if c.K > c.N {
		return fmt.Errorf("%w: k(%d) must not exceed n(%d)", ErrInvalidConfiguration, c.K, c.N)
	}
	if c.N < 1 {
		return fmt.Errorf("%w: n(%d) must be positive", ErrInvalidConfiguration, c.N)
	}
	if c.K < 1 {
		return fmt.Errorf("%w: k(%d) must be positive", ErrInvalidConfiguration, c.K)
	}
	if c.H < 0 {
		return fmt.Errorf("%w: h(%d) must not be negative", ErrInvalidConfiguration, c.H)
	}
	if c.MaxTTL < 0 {
		return fmt.Errorf("%w: ttl(%d) must not be negative", ErrInvalidConfiguration, c.MaxTTL)
	}
	if c.A < 0 || math.IsNaN(c.A) || math.IsInf(c.A, 0) {
		return fmt.Errorf("%w: a(%v) must be a non-negative number", ErrInvalidConfiguration, c.A)
	}
	return nil
}

// LastRound is floor(n ln n), the number of rounds a full run executes.
func (c RunConfig) LastRound() int {
	if c.N <= 1 {
		return 0
	}
	return int(float64(c.N) * math.Log(float64(c.N)))
}

func (c RunConfig) Key() string {
	return fmt.Sprintf("h=%d,k=%d,n=%d,a=%g,ttl=%d", c.H, c.K, c.N, c.A, c.MaxTTL)
}
