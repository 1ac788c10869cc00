package debuglog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const queueSize = 2048

// sink serializes log lines onto one writer. Once debug output is enabled,
// lines go through a buffered channel so sweep workers never block on it.
type sink struct {
	once sync.Once
	mu   sync.Mutex
	w    io.Writer
	ch   chan string
}

func (s *sink) write(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.w, line)
}

func (s *sink) enqueue(line string) {
	s.once.Do(func() {
		s.ch = make(chan string, queueSize)
		go func() {
			for line := range s.ch {
				s.write(line)
			}
		}()
	})
	select {
	case s.ch <- line:
	default:
	}
}

var out = &sink{w: os.Stderr}

// Enabled reports whether GOSSIPSIM_DEBUG=1.
func Enabled() bool {
	return os.Getenv("GOSSIPSIM_DEBUG") == "1"
}

func emit(prefix, format string, args []any) {
	line := prefix + fmt.Sprintf(format, args...)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if !Enabled() {
		out.write(line)
		return
	}
	out.enqueue(line)
}

// Logf always writes.
func Logf(format string, args ...any) {
	emit("", format, args)
}

func Debugf(format string, args ...any) {
	if Enabled() {
		emit("", format, args)
	}
}

// Run tags lines with the run they concern, so a failing run can be
// replayed with `gossipsim run --run-seed`.
type Run struct {
	Key  string
	Seed fmt.Stringer
}

func (r Run) prefix() string {
	if r.Seed == nil {
		return "run=" + r.Key + " "
	}
	return "run=" + r.Key + " seed=" + r.Seed.String() + " "
}

func (r Run) Logf(format string, args ...any) {
	emit(r.prefix(), format, args)
}

func (r Run) Debugf(format string, args ...any) {
	if Enabled() {
		emit(r.prefix(), format, args)
	}
}

// throttle remembers when each key last logged and forgets idle keys.
type throttle struct {
	mu    sync.Mutex
	last  map[string]time.Time
	swept time.Time
}

func (t *throttle) allow(key string, interval time.Duration, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		t.last = make(map[string]time.Time)
		t.swept = now
	}
	if last, ok := t.last[key]; ok && now.Sub(last) < interval {
		return false
	}
	t.last[key] = now
	if now.Sub(t.swept) > 2*interval {
		for k, ts := range t.last {
			if now.Sub(ts) > 4*interval {
				delete(t.last, k)
			}
		}
		t.swept = now
	}
	return true
}

var limits throttle

// RateLimitedf is Debugf at most once per interval for each key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !Enabled() || key == "" {
		return
	}
	if limits.allow(key, interval, time.Now()) {
		emit("", format, args)
	}
}
