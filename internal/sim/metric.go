package sim

import (
	"io"
	"strconv"
)

const CSVHeader = "round,h,k,n,a,ttl,infected,messages"

// RoundMetric is the state of a run after one round. Infected and Messages
// are cumulative.
type RoundMetric struct {
	Round    int     `json:"round" cbor:"round"`
	H        int     `json:"h" cbor:"h"`
	K        int     `json:"k" cbor:"k"`
	N        int     `json:"n" cbor:"n"`
	A        float64 `json:"a" cbor:"a"`
	MaxTTL   int     `json:"ttl" cbor:"ttl"`
	Infected int     `json:"infected" cbor:"infected"`
	Messages int64   `json:"messages" cbor:"messages"`
}

// AppendCSV appends one row in the historical %d,%d,%d,%d,%f,%d,%d,%d layout.
func (m RoundMetric) AppendCSV(dst []byte) []byte {
	dst = strconv.AppendInt(dst, int64(m.Round), 10)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, int64(m.H), 10)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, int64(m.K), 10)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, int64(m.N), 10)
	dst = append(dst, ',')
	dst = strconv.AppendFloat(dst, m.A, 'f', 6, 64)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, int64(m.MaxTTL), 10)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, int64(m.Infected), 10)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, m.Messages, 10)
	return append(dst, '\n')
}

// Sink accepts the metric series of a run, in round order.
type Sink interface {
	Emit(RoundMetric) error
}

type SinkFunc func(RoundMetric) error

func (f SinkFunc) Emit(m RoundMetric) error {
	return f(m)
}

// Collector keeps every metric in memory.
type Collector struct {
	Metrics []RoundMetric
}

func (c *Collector) Emit(m RoundMetric) error {
	c.Metrics = append(c.Metrics, m)
	return nil
}

type CSVSink struct {
	w   io.Writer
	buf []byte
}

func NewCSVSink(w io.Writer) *CSVSink {
	return &CSVSink{w: w}
}

func (s *CSVSink) Emit(m RoundMetric) error {
	s.buf = m.AppendCSV(s.buf[:0])
	_, err := s.w.Write(s.buf)
	return err
}

// WriteCSV writes a whole series.
func WriteCSV(w io.Writer, ms []RoundMetric) error {
	var buf []byte
	for _, m := range ms {
		buf = m.AppendCSV(buf)
	}
	_, err := w.Write(buf)
	return err
}
