package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"gossipsim/internal/adversary"
	"gossipsim/internal/crypto"
	"gossipsim/internal/driver"
	"gossipsim/internal/metrics"
	"gossipsim/internal/network"
	"gossipsim/internal/sim"
	"gossipsim/internal/statusd"
	"gossipsim/internal/store"
)

const exitInterrupted = 130

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	switch args[0] {
	case "run":
		return runSingle(ctx, args[1:], stdout, stderr)
	case "sweep":
		return runSweep(ctx, args[1:], stdout, stderr)
	case "collect":
		return runCollect(ctx, args[1:], stdout, stderr)
	case "export":
		return runExport(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: gossipsim <run|sweep|collect|export> [args]")
	fmt.Fprintln(w, "  run      --h <rounds> --k <fanout> --n <peers> --a <attack> [--ttl 1] [--seed <u64>] [--rep 0]")
	fmt.Fprintln(w, "  sweep    --n <list> --a <list> [--h <list>] --k <list> [--ttl <list>] [--reps 1] [--workers N]")
	fmt.Fprintln(w, "           [--out file] [--header] [--store dir] [--resume] [--remote addr] [--status-addr addr]")
	fmt.Fprintln(w, "  collect  --addr <ip:port> [--out file] [--store dir]")
	fmt.Fprintln(w, "  export   --store <dir> [--out file] [--header]")
	fmt.Fprintln(w, "engine flags: --adversary probabilistic|budgeted|none --realtime-view --no-ttl --early-exit --block-all-under-budget")
	fmt.Fprintln(w, "lists accept 1,2,5 and lo:hi[:step]")
}

type engineFlags struct {
	adversary     *string
	realtimeView  *bool
	noTTL         *bool
	earlyExit     *bool
	blockAllUnder *bool
	seed          *string
}

func addEngineFlags(fs *flag.FlagSet) engineFlags {
	return engineFlags{
		adversary:     fs.String("adversary", "probabilistic", "adversary policy: probabilistic, budgeted or none"),
		realtimeView:  fs.Bool("realtime-view", false, "adversary sees the current uninfected set instead of last round's"),
		noTTL:         fs.Bool("no-ttl", false, "infected peers forward every forwarding round"),
		earlyExit:     fs.Bool("early-exit", false, "stop a run once every peer is infected"),
		blockAllUnder: fs.Bool("block-all-under-budget", false, "budgeted adversary blocks all candidates when it can afford them"),
		seed:          fs.String("seed", "", "base seed (uint64); random when empty"),
	}
}

func (f engineFlags) options() (sim.Options, error) {
	kind, err := adversary.ParseKind(*f.adversary)
	if err != nil {
		return sim.Options{}, err
	}
	return sim.Options{
		Adversary:           kind,
		RealtimeView:        *f.realtimeView,
		UnboundedTTL:        *f.noTTL,
		EarlyExit:           *f.earlyExit,
		BlockAllUnderBudget: *f.blockAllUnder,
	}, nil
}

func (f engineFlags) baseSeed(stderr io.Writer) (uint64, error) {
	if *f.seed == "" {
		base, err := crypto.RandomBase()
		if err != nil {
			return 0, err
		}
		fmt.Fprintf(stderr, "base seed: %d\n", base)
		return base, nil
	}
	base, err := strconv.ParseUint(*f.seed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad --seed %q", *f.seed)
	}
	return base, nil
}

func banner(w io.Writer, title string, fields ...string) {
	bold := color.New(color.Bold)
	bold.Fprintln(w, title)
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(w, "  %s: %s\n", color.CyanString(fields[i]), fields[i+1])
	}
}

func fail(stderr io.Writer, format string, args ...any) int {
	fmt.Fprintln(stderr, color.RedString("error: ")+fmt.Sprintf(format, args...))
	return 1
}

// openOutput returns stdout when path is empty. A file is truncated. The
// returned close flushes.
func openOutput(path string, stdout io.Writer) (*bufio.Writer, func() error, error) {
	if path == "" {
		bw := bufio.NewWriter(stdout)
		return bw, bw.Flush, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, err
	}
	bw := bufio.NewWriter(f)
	return bw, func() error {
		if err := bw.Flush(); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}, nil
}

func runSingle(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	h := fs.Int("h", 1, "last forwarding round")
	k := fs.Int("k", 2, "fan-out")
	n := fs.Int("n", 0, "number of peers")
	a := fs.Float64("a", 0, "attack parameter")
	ttl := fs.Int("ttl", 1, "forwarding rounds per infected peer")
	rep := fs.Int("rep", 0, "replicate index")
	runSeed := fs.String("run-seed", "", "hex run seed, as printed by a failed run; overrides --seed")
	out := fs.String("out", "", "csv output file (default stdout)")
	header := fs.Bool("header", false, "write csv header")
	ef := addEngineFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := sim.NewRunConfig(*h, *k, *n, *a, *ttl)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	opts, err := ef.options()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	if *runSeed != "" {
		if opts.Seed, err = crypto.ParseSeed(*runSeed); err != nil {
			return fail(stderr, "bad --run-seed: %v", err)
		}
	} else {
		base, err := ef.baseSeed(stderr)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		_, opts.Seed = driver.RunSeed(base, cfg, opts, *rep)
	}

	w, closeOut, err := openOutput(*out, stdout)
	if err != nil {
		return fail(stderr, "open output: %v", err)
	}
	if *header {
		fmt.Fprintln(w, sim.CSVHeader)
	}
	engine, err := sim.NewEngine(cfg, opts)
	if err != nil {
		_ = closeOut()
		return fail(stderr, "%v", err)
	}
	start := time.Now()
	runErr := engine.Run(ctx, sim.NewCSVSink(w))
	if err := closeOut(); err != nil {
		return fail(stderr, "write output: %v", err)
	}
	if errors.Is(runErr, sim.ErrInterrupted) {
		fmt.Fprintln(stderr, color.YellowString("interrupted"))
		return exitInterrupted
	}
	if runErr != nil {
		return fail(stderr, "%v", runErr)
	}
	stats := engine.Stats()
	banner(stderr, "run complete",
		"config", cfg.Key(),
		"adversary", engine.Policy(),
		"seed", opts.Seed.String(),
		"infected", fmt.Sprintf("%d/%d", engine.InfectedCount(), cfg.N),
		"messages", strconv.FormatInt(engine.Messages(), 10),
		"forwards", strconv.FormatInt(stats.Forwards, 10),
		"pulls", strconv.FormatInt(stats.Pulls, 10),
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	return 0
}

func runSweep(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.SetOutput(stderr)
	nList := fs.String("n", "", "peer counts")
	aList := fs.String("a", "0", "attack parameters")
	hList := fs.String("h", "", "forwarding horizons (default 1..ln(n)-1)")
	kList := fs.String("k", "", "fan-outs")
	ttlList := fs.String("ttl", "1", "ttl values")
	reps := fs.Int("reps", 1, "replicates per grid cell")
	workers := fs.Int("workers", 0, "parallel runs (default GOSSIPSIM_WORKERS or GOMAXPROCS)")
	out := fs.String("out", "", "csv output file (default stdout)")
	header := fs.Bool("header", false, "write csv header")
	storeDir := fs.String("store", "", "badger directory for run records")
	resume := fs.Bool("resume", false, "reuse complete runs found in --store")
	remote := fs.String("remote", "", "collector address to ship run records to")
	insecure := fs.Bool("insecure", false, "skip collector certificate pinning")
	statusAddr := fs.String("status-addr", "", "serve sweep status over http on this address")
	metricsPath := fs.String("metrics", "", "write a final metrics snapshot to this file")
	ef := addEngineFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var grid driver.Grid
	var err error
	if grid.N, err = driver.ParseInts(*nList); err != nil || len(grid.N) == 0 {
		return fail(stderr, "bad --n %q", *nList)
	}
	if grid.A, err = driver.ParseFloats(*aList); err != nil || len(grid.A) == 0 {
		return fail(stderr, "bad --a %q", *aList)
	}
	if grid.H, err = driver.ParseInts(*hList); err != nil {
		return fail(stderr, "bad --h %q", *hList)
	}
	if grid.K, err = driver.ParseInts(*kList); err != nil || len(grid.K) == 0 {
		return fail(stderr, "bad --k %q", *kList)
	}
	if grid.TTL, err = driver.ParseInts(*ttlList); err != nil || len(grid.TTL) == 0 {
		return fail(stderr, "bad --ttl %q", *ttlList)
	}
	grid.Replicates = *reps
	if *resume && *storeDir == "" {
		return fail(stderr, "--resume needs --store")
	}

	engOpts, err := ef.options()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	base, err := ef.baseSeed(stderr)
	if err != nil {
		return fail(stderr, "%v", err)
	}

	m := metrics.New()
	opts := driver.Options{
		Grid:     grid,
		Engine:   engOpts,
		BaseSeed: base,
		Workers:  *workers,
		Header:   *header,
		Resume:   *resume,
		Metrics:  m,
		Progress: func(s metrics.Snapshot) {
			fmt.Fprintf(stderr, "%s %d/%d done, %d running\n",
				color.CyanString("progress"), s.Sweep.Done(), s.Sweep.Total, s.Sweep.Outstanding)
		},
		ProgressEvery: 2 * time.Second,
	}
	if *storeDir != "" {
		st, err := store.Open(*storeDir)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		defer st.Close()
		opts.Store = st
	}
	if *remote != "" {
		opts.Remote = driver.QUICRemote{Addr: *remote, Insecure: *insecure}
	}
	if *statusAddr != "" {
		srv, err := statusd.Start(*statusAddr, m.Snapshot, stderr)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		defer srv.Close()
		fmt.Fprintf(stderr, "status: http://%s/api/v1/status\n", srv.Addr())
	}

	w, closeOut, err := openOutput(*out, stdout)
	if err != nil {
		return fail(stderr, "open output: %v", err)
	}
	opts.Output = w
	sum, sweepErr := driver.Sweep(ctx, opts)
	if err := closeOut(); err != nil && sweepErr == nil {
		sweepErr = fmt.Errorf("write output: %w", err)
	}
	if *metricsPath != "" {
		if err := m.WriteSnapshot(*metricsPath); err != nil {
			fmt.Fprintf(stderr, "%s write metrics: %v\n", color.YellowString("warning:"), err)
		}
	}

	banner(stderr, "sweep summary",
		"completed", strconv.Itoa(sum.Count(driver.StatusCompleted)),
		"resumed", strconv.Itoa(sum.Count(driver.StatusResumed)),
		"skipped", strconv.Itoa(sum.Count(driver.StatusSkipped)),
		"failed", strconv.Itoa(sum.Count(driver.StatusFailed)),
		"interrupted", strconv.Itoa(sum.Count(driver.StatusInterrupted)),
		"not started", strconv.Itoa(sum.Count(driver.StatusNotStarted)),
	)
	for _, r := range sum.Results {
		if r.Status == driver.StatusFailed {
			fmt.Fprintf(stderr, "%s %v\n", color.RedString("failed:"), r.Err)
		}
	}
	switch {
	case errors.Is(sweepErr, context.Canceled):
		fmt.Fprintln(stderr, color.YellowString("interrupted"))
		return exitInterrupted
	case sweepErr != nil:
		return fail(stderr, "%v", sweepErr)
	case sum.Count(driver.StatusFailed) > 0:
		return 1
	}
	return 0
}

func runCollect(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("collect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen addr (host:port)")
	out := fs.String("out", "", "csv output file (default stdout)")
	storeDir := fs.String("store", "", "badger directory for received records")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" {
		return fail(stderr, "missing --addr")
	}
	var st *store.Store
	if *storeDir != "" {
		var err error
		if st, err = store.Open(*storeDir); err != nil {
			return fail(stderr, "%v", err)
		}
		defer st.Close()
	}
	w, closeOut, err := openOutput(*out, stdout)
	if err != nil {
		return fail(stderr, "open output: %v", err)
	}

	col, err := network.Listen(*addr, network.Options{})
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer col.Close()
	fmt.Fprintf(stderr, "READY addr=%s\n", col.Addr())

	var mu sync.Mutex
	handle := func(remote string, payload []byte) error {
		rec, err := store.Decode(payload)
		if err != nil {
			return err
		}
		if rec.Key == "" {
			return store.ErrMissingKey
		}
		if st != nil {
			if err := st.Put(rec); err != nil {
				return err
			}
		}
		mu.Lock()
		defer mu.Unlock()
		if err := sim.WriteCSV(w, rec.Metrics); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(stderr, "%s %s from %s (%d rounds)\n", color.GreenString("received"), rec.Key, remote, len(rec.Metrics))
		return nil
	}
	serveErr := col.Serve(ctx, handle)
	mu.Lock()
	closeErr := closeOut()
	mu.Unlock()
	if serveErr != nil {
		return fail(stderr, "%v", serveErr)
	}
	if closeErr != nil {
		return fail(stderr, "write output: %v", closeErr)
	}
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storeDir := fs.String("store", "", "badger directory")
	out := fs.String("out", "", "csv output file (default stdout)")
	header := fs.Bool("header", false, "write csv header")
	partial := fs.Bool("partial", false, "include interrupted runs")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *storeDir == "" {
		return fail(stderr, "missing --store")
	}
	st, err := store.Open(*storeDir)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer st.Close()
	w, closeOut, err := openOutput(*out, stdout)
	if err != nil {
		return fail(stderr, "open output: %v", err)
	}
	if *header {
		fmt.Fprintln(w, sim.CSVHeader)
	}
	runs := 0
	err = st.Each(func(rec store.Record) error {
		if rec.Partial && !*partial {
			return nil
		}
		runs++
		return sim.WriteCSV(w, rec.Metrics)
	})
	if cerr := closeOut(); err == nil {
		err = cerr
	}
	if err != nil {
		return fail(stderr, "export: %v", err)
	}
	fmt.Fprintf(stderr, "exported %d runs\n", runs)
	return 0
}
