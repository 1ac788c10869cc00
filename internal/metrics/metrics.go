package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// RunHeader summarizes one finished run.
type RunHeader struct {
	Key       string `json:"key"`
	Adversary string `json:"adversary"`
	Replicate int    `json:"replicate"`
	Rounds    int    `json:"rounds"`
	Infected  int    `json:"infected"`
	Messages  int64  `json:"messages"`
	Status    string `json:"status"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type Snapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Sweep       SweepMetrics `json:"sweep"`
	Recent      []RunHeader  `json:"recent"`
}

type SweepMetrics struct {
	Total       uint64 `json:"total"`
	Started     uint64 `json:"started"`
	Completed   uint64 `json:"completed"`
	Resumed     uint64 `json:"resumed"`
	Skipped     uint64 `json:"skipped"`
	Failed      uint64 `json:"failed"`
	Interrupted uint64 `json:"interrupted"`
	Outstanding int64  `json:"outstanding"`
	Rounds      uint64 `json:"rounds"`
	Messages    uint64 `json:"messages"`
}

// Done is the number of jobs that reached a final state.
func (s SweepMetrics) Done() uint64 {
	return s.Completed + s.Resumed + s.Skipped + s.Failed + s.Interrupted
}

type Metrics struct {
	total       atomic.Uint64
	started     atomic.Uint64
	completed   atomic.Uint64
	resumed     atomic.Uint64
	skipped     atomic.Uint64
	failed      atomic.Uint64
	interrupted atomic.Uint64
	outstanding atomic.Int64
	rounds      atomic.Uint64
	messages    atomic.Uint64
	recent      *RunRecent
}

func New() *Metrics {
	return &Metrics{recent: NewRunRecent(64)}
}

func (m *Metrics) SetTotal(n int) {
	m.total.Store(uint64(n))
}

func (m *Metrics) IncStarted() {
	m.started.Add(1)
}

func (m *Metrics) IncCompleted() {
	m.completed.Add(1)
}

func (m *Metrics) IncResumed() {
	m.resumed.Add(1)
}

func (m *Metrics) IncSkipped() {
	m.skipped.Add(1)
}

func (m *Metrics) IncFailed() {
	m.failed.Add(1)
}

func (m *Metrics) IncInterrupted() {
	m.interrupted.Add(1)
}

// AddOutstanding moves the queued-or-running job counter. The sweep is idle
// once it returns to zero.
func (m *Metrics) AddOutstanding(delta int64) int64 {
	return m.outstanding.Add(delta)
}

func (m *Metrics) Outstanding() int64 {
	return m.outstanding.Load()
}

func (m *Metrics) AddRun(h RunHeader) {
	if h.Rounds > 0 {
		m.rounds.Add(uint64(h.Rounds))
	}
	if h.Messages > 0 {
		m.messages.Add(uint64(h.Messages))
	}
	m.recent.Add(h)
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []RunHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Sweep: SweepMetrics{
			Total:       m.total.Load(),
			Started:     m.started.Load(),
			Completed:   m.completed.Load(),
			Resumed:     m.resumed.Load(),
			Skipped:     m.skipped.Load(),
			Failed:      m.failed.Load(),
			Interrupted: m.interrupted.Load(),
			Outstanding: m.outstanding.Load(),
			Rounds:      m.rounds.Load(),
			Messages:    m.messages.Load(),
		},
		Recent: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type RunRecent struct {
	mu   sync.Mutex
	cap  int
	list []RunHeader
}

func NewRunRecent(capacity int) *RunRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &RunRecent{cap: capacity}
}

func (r *RunRecent) Add(h RunHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *RunRecent) List() []RunHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunHeader, len(r.list))
	copy(out, r.list)
	return out
}
