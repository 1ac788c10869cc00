package sim

import (
	"bytes"
	"errors"
	"testing"
)

func TestAppendCSVRowLayout(t *testing.T) {
	m := RoundMetric{Round: 3, H: 1, K: 2, N: 10, A: 0.1, MaxTTL: 1, Infected: 5, Messages: 42}
	if got := string(m.AppendCSV(nil)); got != "3,1,2,10,0.100000,1,5,42\n" {
		t.Fatalf("unexpected row %q", got)
	}
}

func TestCSVSinkWritesOneRowPerMetric(t *testing.T) {
	var buf bytes.Buffer
	s := NewCSVSink(&buf)
	for r := 0; r < 3; r++ {
		if err := s.Emit(RoundMetric{Round: r, N: 4, Infected: r + 1}); err != nil {
			t.Fatalf("emit failed: %v", err)
		}
	}
	want := "0,0,0,4,0.000000,0,1,0\n1,0,0,4,0.000000,0,2,0\n2,0,0,4,0.000000,0,3,0\n"
	if buf.String() != want {
		t.Fatalf("unexpected csv:\n%s", buf.String())
	}
	var again bytes.Buffer
	if err := WriteCSV(&again, []RoundMetric{{Round: 0, N: 4, Infected: 1}, {Round: 1, N: 4, Infected: 2}, {Round: 2, N: 4, Infected: 3}}); err != nil {
		t.Fatalf("write csv failed: %v", err)
	}
	if again.String() != want {
		t.Fatalf("WriteCSV disagrees with CSVSink:\n%s", again.String())
	}
}

func TestSinkFuncPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	s := SinkFunc(func(RoundMetric) error { return boom })
	if err := s.Emit(RoundMetric{}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
