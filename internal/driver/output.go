package driver

import (
	"io"
	"sync"
)

// orderedWriter writes per-job payloads in job order as soon as every
// earlier job has been resolved, so finished runs never wait for the whole
// sweep in memory.
type orderedWriter struct {
	mu      sync.Mutex
	w       io.Writer
	next    int
	pending map[int][]byte
	err     error
}

func newOrderedWriter(w io.Writer) *orderedWriter {
	return &orderedWriter{w: w, pending: make(map[int][]byte)}
}

// put resolves job idx. A nil payload resolves it without output.
func (o *orderedWriter) put(idx int, payload []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.w == nil {
		return
	}
	o.pending[idx] = payload
	for {
		p, ok := o.pending[o.next]
		if !ok {
			return
		}
		delete(o.pending, o.next)
		o.next++
		if len(p) > 0 && o.err == nil {
			_, o.err = o.w.Write(p)
		}
	}
}

func (o *orderedWriter) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}
