package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"gossipsim/internal/adversary"
	"gossipsim/internal/crypto"
	"gossipsim/internal/peer"
)

var (
	ErrInterrupted = errors.New("run interrupted")
	ErrEngineUsed  = errors.New("engine already ran")
)

// Options selects the engine variant. The zero value is the historical
// model: probabilistic adversary with a one-round lagged view, TTL-bounded
// forwarding, full-length series.
type Options struct {
	Adversary adversary.Kind
	// RealtimeView lets the adversary target the true not-infected set
	// instead of its lagged view.
	RealtimeView bool
	// UnboundedTTL makes every infected peer forward in every push round.
	UnboundedTTL bool
	// EarlyExit stops the run after the first round that infects everyone.
	// Series then have different lengths across a sweep.
	EarlyExit           bool
	BlockAllUnderBudget bool
	// CheckState runs the O(n) state invariant scan after every round.
	CheckState bool
	Seed       crypto.Seed
}

// Variant names the options that change a run's series. Equal variants of
// the same RunConfig and seed produce identical metrics; Seed and CheckState
// are not part of it.
func (o Options) Variant() string {
	v := o.Adversary.String()
	if o.RealtimeView {
		v += "+realtime"
	}
	if o.UnboundedTTL {
		v += "+nottl"
	}
	if o.EarlyExit {
		v += "+earlyexit"
	}
	if o.BlockAllUnderBudget {
		v += "+blockall"
	}
	return v
}

// InvariantError reports an internal inconsistency of one run together with
// everything needed to reproduce it.
type InvariantError struct {
	Config    RunConfig
	Adversary string
	Seed      crypto.Seed
	Round     int
	Err       error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in run %s adversary=%s seed=%s round=%d: %v",
		e.Config.Key(), e.Adversary, e.Seed, e.Round, e.Err)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// Stats counts the acting events of a run. Every event costs K messages.
type Stats struct {
	Forwards int64
	Pulls    int64
}

// Engine runs one epidemic from a single seed peer. It is single-threaded
// and owns all of its state and randomness.
type Engine struct {
	cfg       RunConfig
	opts      Options
	lastRound int

	state   *peer.State
	sampler *peer.Sampler
	policy  adversary.Policy
	seedRng *rand.Rand

	attacked    []bool
	pendingMark []bool
	pending     []int
	acting      []int
	draws       []int

	messages int64
	stats    Stats
	started  bool
}

func NewEngine(cfg RunConfig, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := adversary.New(opts.Adversary, cfg.A,
		adversary.Options{BlockAllUnderBudget: opts.BlockAllUnderBudget},
		crypto.NewRand(opts.Seed, "adversary"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return &Engine{
		cfg:         cfg,
		opts:        opts,
		lastRound:   cfg.LastRound(),
		state:       peer.NewState(cfg.N, cfg.MaxTTL),
		sampler:     peer.NewSampler(cfg.N, crypto.NewRand(opts.Seed, "sampler")),
		policy:      policy,
		seedRng:     crypto.NewRand(opts.Seed, "seed"),
		attacked:    make([]bool, cfg.N),
		pendingMark: make([]bool, cfg.N),
	}, nil
}

func (e *Engine) Policy() string {
	return e.policy.Name()
}

func (e *Engine) Stats() Stats {
	return e.stats
}

func (e *Engine) Messages() int64 {
	return e.messages
}

func (e *Engine) InfectedCount() int {
	return e.state.InfectedCount()
}

// Run executes the whole run and emits one metric per round to sink.
// Cancellation is observed between rounds only, so every emitted round is
// fully committed.
func (e *Engine) Run(ctx context.Context, sink Sink) error {
	if e.started {
		return ErrEngineUsed
	}
	e.started = true
	if err := e.state.Infect(e.seedRng.IntN(e.cfg.N)); err != nil {
		return e.violation(-1, err)
	}
	prev := e.state.InfectedCount()
	for r := 0; r < e.lastRound; r++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w after %d of %d rounds: %w", ErrInterrupted, r, e.lastRound, err)
		}
		if err := e.round(r); err != nil {
			return e.violation(r, err)
		}
		if e.state.Round() != r+1 {
			return e.violation(r, fmt.Errorf("state at round %d after engine round %d", e.state.Round(), r))
		}
		count := e.state.InfectedCount()
		if count < prev || count > e.cfg.N {
			return e.violation(r, fmt.Errorf("infected count moved from %d to %d with n=%d", prev, count, e.cfg.N))
		}
		if e.opts.CheckState {
			if err := e.state.CheckInvariants(); err != nil {
				return e.violation(r, err)
			}
		}
		prev = count
		if err := sink.Emit(e.metric(r)); err != nil {
			return fmt.Errorf("emit round %d: %w", r, err)
		}
		if e.opts.EarlyExit && count == e.cfg.N {
			break
		}
	}
	return nil
}

func (e *Engine) violation(round int, err error) error {
	return &InvariantError{
		Config:    e.cfg,
		Adversary: e.policy.Name(),
		Seed:      e.opts.Seed,
		Round:     round,
		Err:       err,
	}
}

func (e *Engine) metric(r int) RoundMetric {
	return RoundMetric{
		Round:    r,
		H:        e.cfg.H,
		K:        e.cfg.K,
		N:        e.cfg.N,
		A:        e.cfg.A,
		MaxTTL:   e.cfg.MaxTTL,
		Infected: e.state.InfectedCount(),
		Messages: e.messages,
	}
}

func (e *Engine) round(r int) error {
	blocked := e.block()
	var err error
	if r <= e.cfg.H {
		err = e.forward()
	} else {
		err = e.pull()
	}
	for _, p := range blocked {
		e.attacked[p] = false
	}
	if err != nil {
		return err
	}
	e.state.AdvanceRound(!e.opts.RealtimeView)
	return nil
}

// block asks the adversary for this round's victims and marks them.
func (e *Engine) block() []int {
	if _, ok := e.policy.(adversary.None); ok {
		return nil
	}
	var candidates []int
	if e.opts.RealtimeView {
		candidates = e.state.NotInfected()
	} else {
		candidates = e.state.AdversaryView()
	}
	blocked := e.policy.SelectBlocked(candidates)
	for _, p := range blocked {
		e.attacked[p] = true
	}
	return blocked
}

func (e *Engine) forward() error {
	forwarders := e.state.WithRemainingTTL()
	if e.opts.UnboundedTTL {
		forwarders = e.state.Infected()
	}
	acting := e.acting[:0]
	for p := range forwarders {
		if !e.attacked[p] {
			acting = append(acting, p)
		}
	}
	e.acting = acting

	for _, p := range acting {
		targets, err := e.sampler.Sample(e.draws, p, e.cfg.K)
		if err != nil {
			return err
		}
		e.draws = targets
		for _, q := range targets {
			if e.attacked[q] || e.state.IsInfected(q) || e.pendingMark[q] {
				continue
			}
			e.pendingMark[q] = true
			e.pending = append(e.pending, q)
		}
		if !e.opts.UnboundedTTL {
			if err := e.state.Spend(p); err != nil {
				return err
			}
		}
		e.messages += int64(e.cfg.K)
		e.stats.Forwards++
	}
	return e.commit()
}

func (e *Engine) pull() error {
	for _, p := range e.state.NotInfected() {
		if e.attacked[p] {
			continue
		}
		sources, err := e.sampler.Sample(e.draws, p, e.cfg.K)
		if err != nil {
			return err
		}
		e.draws = sources
		e.messages += int64(e.cfg.K)
		e.stats.Pulls++
		for _, q := range sources {
			if !e.attacked[q] && e.state.IsInfected(q) {
				e.pending = append(e.pending, p)
				break
			}
		}
	}
	return e.commit()
}

func (e *Engine) commit() error {
	err := e.state.InfectAll(e.pending)
	for _, q := range e.pending {
		e.pendingMark[q] = false
	}
	e.pending = e.pending[:0]
	return err
}
