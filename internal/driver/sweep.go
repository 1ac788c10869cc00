package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gossipsim/internal/crypto"
	"gossipsim/internal/debuglog"
	"gossipsim/internal/metrics"
	"gossipsim/internal/sim"
	"gossipsim/internal/store"
)

type Status int

const (
	StatusNotStarted Status = iota
	StatusCompleted
	StatusResumed
	StatusSkipped
	StatusFailed
	StatusInterrupted
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusResumed:
		return "resumed"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	case StatusInterrupted:
		return "interrupted"
	default:
		return "not_started"
	}
}

type Options struct {
	Grid Grid
	// Engine is the template for every run; its Seed is replaced per run.
	Engine   sim.Options
	BaseSeed uint64
	Workers  int

	// Output receives CSV rows of all runs in job order.
	Output io.Writer
	Header bool

	Store  *store.Store
	Resume bool
	Remote Remote

	Metrics       *metrics.Metrics
	Progress      func(metrics.Snapshot)
	ProgressEvery time.Duration
}

type Result struct {
	Job      Job
	Key      string
	Seed     crypto.Seed
	Status   Status
	Err      error
	Rounds   int
	Infected int
	Messages int64
	Elapsed  time.Duration
}

type Summary struct {
	Results []Result
	Counts  map[Status]int
}

func (s Summary) Count(st Status) int {
	return s.Counts[st]
}

const defaultProgressEvery = time.Second

func normalizeOptions(opts Options) Options {
	if opts.Workers <= 0 {
		if n, ok := envInt("GOSSIPSIM_WORKERS"); ok && n > 0 {
			opts.Workers = n
		} else {
			opts.Workers = runtime.GOMAXPROCS(0)
		}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = defaultProgressEvery
	}
	return opts
}

// Sweep runs every job of the grid on a fixed pool of workers. Runs are
// independent; a failing or invalid run is recorded and never stops its
// siblings. When ctx is cancelled no new run starts and running ones stop
// after their current round, keeping the rows they already produced.
func Sweep(ctx context.Context, opts Options) (Summary, error) {
	opts = normalizeOptions(opts)
	jobs := opts.Grid.Jobs()
	m := opts.Metrics
	m.SetTotal(len(jobs))

	if opts.Header && opts.Output != nil {
		if _, err := io.WriteString(opts.Output, sim.CSVHeader+"\n"); err != nil {
			return Summary{}, err
		}
	}
	out := newOrderedWriter(opts.Output)
	results := make([]Result, len(jobs))
	limiter := rate.NewLimiter(rate.Every(opts.ProgressEvery), 1)
	var progressMu sync.Mutex
	report := func(force bool) {
		if opts.Progress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		if force || limiter.Allow() {
			opts.Progress(m.Snapshot())
		}
	}

	queue := make(chan Job)
	var wg sync.WaitGroup
	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				if ctx.Err() != nil {
					results[job.Index] = Result{Job: job, Status: StatusNotStarted}
					out.put(job.Index, nil)
					m.AddOutstanding(-1)
					continue
				}
				m.IncStarted()
				res, rows := runJob(ctx, opts, job)
				results[job.Index] = res
				out.put(job.Index, rows)
				record(m, opts.Engine.Adversary.String(), res)
				m.AddOutstanding(-1)
				report(false)
			}
		}()
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			results[job.Index] = Result{Job: job, Status: StatusNotStarted}
			out.put(job.Index, nil)
			continue
		}
		m.AddOutstanding(1)
		select {
		case queue <- job:
		case <-ctx.Done():
			m.AddOutstanding(-1)
			results[job.Index] = Result{Job: job, Status: StatusNotStarted}
			out.put(job.Index, nil)
		}
	}
	close(queue)
	wg.Wait()
	report(true)

	sum := Summary{Results: results, Counts: make(map[Status]int)}
	for _, r := range results {
		sum.Counts[r.Status]++
	}
	if err := out.Err(); err != nil {
		return sum, fmt.Errorf("write output: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

func record(m *metrics.Metrics, adv string, res Result) {
	switch res.Status {
	case StatusCompleted:
		m.IncCompleted()
	case StatusResumed:
		m.IncResumed()
	case StatusSkipped:
		m.IncSkipped()
	case StatusFailed:
		m.IncFailed()
	case StatusInterrupted:
		m.IncInterrupted()
	}
	if res.Status == StatusSkipped {
		return
	}
	m.AddRun(metrics.RunHeader{
		Key:       res.Key,
		Adversary: adv,
		Replicate: res.Job.Replicate,
		Rounds:    res.Rounds,
		Infected:  res.Infected,
		Messages:  res.Messages,
		Status:    res.Status.String(),
		ElapsedMS: res.Elapsed.Milliseconds(),
	})
}

// runJob never panics; an engine panic fails only this job.
func runJob(ctx context.Context, opts Options, job Job) (res Result, rows []byte) {
	start := time.Now()
	res.Job = job
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.Err = fmt.Errorf("run %s panicked: %v", res.Key, r)
			rows = nil
			debuglog.Logf("sweep: %v", res.Err)
		}
		res.Elapsed = time.Since(start)
	}()

	cfg, err := sim.NewRunConfig(job.H, job.K, job.N, job.A, job.TTL)
	if err != nil {
		res.Status = StatusSkipped
		res.Err = err
		debuglog.Debugf("sweep: skip job %d: %v", job.Index, err)
		return res, nil
	}
	engOpts := opts.Engine
	adv := engOpts.Adversary.String()
	res.Key, engOpts.Seed = RunSeed(opts.BaseSeed, cfg, engOpts, job.Replicate)
	res.Seed = engOpts.Seed
	lg := debuglog.Run{Key: res.Key, Seed: res.Seed}
	if debuglog.Enabled() {
		engOpts.CheckState = true
	}

	if opts.Store != nil && opts.Resume {
		rec, ok, err := opts.Store.Get(res.Key)
		if err != nil {
			lg.Logf("sweep: store lookup: %v", err)
		} else if ok && !rec.Partial && rec.Seed == engOpts.Seed && rec.Variant == engOpts.Variant() {
			var buf bytes.Buffer
			if err := sim.WriteCSV(&buf, rec.Metrics); err == nil {
				res.Status = StatusResumed
				fillTotals(&res, rec.Metrics)
				return res, buf.Bytes()
			}
		}
	}

	engine, err := sim.NewEngine(cfg, engOpts)
	if err != nil {
		res.Status = StatusSkipped
		res.Err = err
		return res, nil
	}
	var buf bytes.Buffer
	csv := sim.NewCSVSink(&buf)
	var col sim.Collector
	keep := opts.Store != nil || opts.Remote != nil
	sink := sim.SinkFunc(func(m sim.RoundMetric) error {
		if keep {
			_ = col.Emit(m)
		}
		res.Rounds++
		res.Infected = m.Infected
		res.Messages = m.Messages
		return csv.Emit(m)
	})

	runErr := engine.Run(ctx, sink)
	var inv *sim.InvariantError
	switch {
	case runErr == nil:
		res.Status = StatusCompleted
	case errors.Is(runErr, sim.ErrInterrupted):
		res.Status = StatusInterrupted
		res.Err = runErr
	case errors.As(runErr, &inv):
		res.Status = StatusFailed
		res.Err = runErr
		debuglog.Logf("sweep: %v", runErr)
		return res, nil
	default:
		res.Status = StatusFailed
		res.Err = runErr
		lg.Logf("sweep: %v", runErr)
		return res, nil
	}

	if keep {
		rec := store.Record{
			Key:        res.Key,
			Config:     cfg,
			Adversary:  adv,
			Variant:    engOpts.Variant(),
			Replicate:  job.Replicate,
			Seed:       res.Seed,
			Metrics:    col.Metrics,
			Partial:    res.Status == StatusInterrupted,
			FinishedAt: time.Now().UTC().Truncate(time.Second),
		}
		if opts.Store != nil {
			if err := opts.Store.Put(rec); err != nil {
				lg.Logf("sweep: store: %v", err)
			}
		}
		if opts.Remote != nil {
			if err := opts.Remote.Send(context.WithoutCancel(ctx), rec); err != nil {
				lg.Logf("sweep: remote: %v", err)
			}
		}
	}
	return res, buf.Bytes()
}

// RunSeed returns the record key of a run and the seed it is simulated with.
// A single run and a sweep cell with equal inputs produce the same series.
func RunSeed(base uint64, cfg sim.RunConfig, opts sim.Options, replicate int) (string, crypto.Seed) {
	key := store.RecordKey(cfg, opts.Variant(), replicate)
	return key, crypto.DeriveSeed(base, key, replicate)
}

func fillTotals(res *Result, ms []sim.RoundMetric) {
	res.Rounds = len(ms)
	if len(ms) > 0 {
		last := ms[len(ms)-1]
		res.Infected = last.Infected
		res.Messages = last.Messages
	}
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
