package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"gossipsim/internal/sim"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "gossipsim") {
		t.Fatalf("expected help output to mention gossipsim")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command: bogus") {
		t.Fatalf("unexpected stderr: %s", errOut.String())
	}
}

func TestRunSingleDeterministic(t *testing.T) {
	color.NoColor = true
	args := []string{"run", "--h", "2", "--k", "3", "--n", "50", "--a", "0.1", "--seed", "9", "--header"}
	var first, second, errOut bytes.Buffer
	if code := run(args, &first, &errOut); code != 0 {
		t.Fatalf("run failed: %s", errOut.String())
	}
	if code := run(args, &second, &errOut); code != 0 {
		t.Fatalf("run failed: %s", errOut.String())
	}
	if first.String() != second.String() {
		t.Fatalf("same seed produced different output")
	}
	lines := strings.Split(strings.TrimRight(first.String(), "\n"), "\n")
	if lines[0] != sim.CSVHeader {
		t.Fatalf("expected header, got %q", lines[0])
	}
	if want := 1 + (sim.RunConfig{N: 50}).LastRound(); len(lines) != want {
		t.Fatalf("expected %d lines, got %d", want, len(lines))
	}
	if !strings.Contains(errOut.String(), "run complete") {
		t.Fatalf("expected summary banner, got: %s", errOut.String())
	}
}

func TestRunSingleInvalidConfig(t *testing.T) {
	color.NoColor = true
	var out, errOut bytes.Buffer
	code := run([]string{"run", "--k", "20", "--n", "10", "--seed", "1"}, &out, &errOut)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "error:") {
		t.Fatalf("expected error line, got: %s", errOut.String())
	}
	if out.Len() != 0 {
		t.Fatalf("expected no csv output")
	}
}

func TestRunSingleBadAdversary(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"run", "--n", "10", "--adversary", "sneaky", "--seed", "1"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestSweepStoreExport(t *testing.T) {
	color.NoColor = true
	dir := filepath.Join(t.TempDir(), "db")
	csvPath := filepath.Join(t.TempDir(), "out.csv")

	var out, errOut bytes.Buffer
	args := []string{"sweep", "--n", "20", "--a", "0,0.2", "--h", "1", "--k", "2,30", "--reps", "2",
		"--workers", "3", "--seed", "5", "--store", dir, "--out", csvPath}
	if code := run(args, &out, &errOut); code != 0 {
		t.Fatalf("sweep failed: %s", errOut.String())
	}
	if !strings.Contains(errOut.String(), "skipped: 4") {
		t.Fatalf("expected 4 skipped jobs, got: %s", errOut.String())
	}
	swept, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if want := 4 * (sim.RunConfig{N: 20}).LastRound(); strings.Count(string(swept), "\n") != want {
		t.Fatalf("expected %d rows", want)
	}

	errOut.Reset()
	if code := run([]string{"export", "--store", dir}, &out, &errOut); code != 0 {
		t.Fatalf("export failed: %s", errOut.String())
	}
	if strings.Count(out.String(), "\n") != strings.Count(string(swept), "\n") {
		t.Fatalf("export row count differs from sweep output")
	}
	if !strings.Contains(errOut.String(), "exported 4 runs") {
		t.Fatalf("unexpected export summary: %s", errOut.String())
	}

	errOut.Reset()
	resumed := append(args[:len(args):len(args)], "--resume")
	if code := run(resumed, &out, &errOut); code != 0 {
		t.Fatalf("resume failed: %s", errOut.String())
	}
	if !strings.Contains(errOut.String(), "resumed: 4") {
		t.Fatalf("expected resumed runs, got: %s", errOut.String())
	}
	again, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(again) != string(swept) {
		t.Fatalf("expected rerun to replace the output file with identical rows")
	}
}

func TestSweepRejectsBadLists(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"sweep", "--n", "x", "--k", "2"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if code := run([]string{"sweep", "--n", "10", "--k", "2", "--resume"}, &out, &errOut); code != 1 {
		t.Fatalf("expected --resume without --store to fail")
	}
}

func TestRunOutputIsTruncated(t *testing.T) {
	color.NoColor = true
	csvPath := filepath.Join(t.TempDir(), "sim.csv")
	args := []string{"run", "--h", "1", "--k", "2", "--n", "20", "--seed", "3", "--header", "--out", csvPath}
	var out, errOut bytes.Buffer
	for i := 0; i < 2; i++ {
		if code := run(args, &out, &errOut); code != 0 {
			t.Fatalf("run failed: %s", errOut.String())
		}
	}
	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got := strings.Count(string(data), sim.CSVHeader); got != 1 {
		t.Fatalf("expected one header after two runs, got %d", got)
	}
	if want := 1 + (sim.RunConfig{N: 20}).LastRound(); strings.Count(string(data), "\n") != want {
		t.Fatalf("expected %d lines after two runs", want)
	}
}
