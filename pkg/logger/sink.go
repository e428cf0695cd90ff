package logger

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"

	"obscore/pkg/types"
)

// Sink is the Logger Core's single consumer-side operation. A Sink must
// not block the emitting caller indefinitely; rotation, batching, and
// remote shipping are the sink's concern, not the core's.
type Sink interface {
	Accept(record types.LogRecord) error
}

// StdoutSink is the default sink: one newline-delimited JSON object per
// record, written to an io.Writer (os.Stdout unless overridden).
type StdoutSink struct {
	mu sync.Mutex
	w  *bufio.Writer
	enc *json.Encoder
}

// NewStdoutSink wraps w (os.Stdout if nil) in a buffered, line-flushing
// JSON encoder.
func NewStdoutSink(w io.Writer) *StdoutSink {
	if w == nil {
		w = os.Stdout
	}
	bw := bufio.NewWriter(w)
	return &StdoutSink{w: bw, enc: json.NewEncoder(bw)}
}

// Accept marshals record as one JSON line and flushes immediately: the
// core calls Accept synchronously per emit, so buffering across calls
// would only risk losing lines on a crash.
func (s *StdoutSink) Accept(record types.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(record); err != nil {
		return err
	}
	return s.w.Flush()
}

// fallbackSink writes a minimal plain-text line to stderr when the
// configured sink itself fails. It never returns an error: there is
// nowhere further to escalate to.
type fallbackSink struct {
	mu sync.Mutex
	w  io.Writer
}

func newFallbackSink() *fallbackSink {
	return &fallbackSink{w: os.Stderr}
}

func (f *fallbackSink) write(record types.LogRecord, sinkErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line, err := json.Marshal(record)
	if err != nil {
		line = []byte(record.Message)
	}
	io.WriteString(f.w, "sink failure ("+sinkErr.Error()+"), falling back: "+string(line)+"\n")
}
