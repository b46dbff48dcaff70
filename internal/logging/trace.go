package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BindingEvent is one script-context binding check, logged whether it
// succeeded or was refused: consumer identity, product/target, current
// phase, needed-by phase, allowed flag, and reason, as a structured
// JSON line.
type BindingEvent struct {
	Timestamp int64  `json:"ts"`
	TraceID   string `json:"trace_id"`
	Seq       uint64 `json:"seq"`

	Binding        string `json:"binding"` // "package", "asset", "product", "run", ...
	ConsumerKey    string `json:"consumer"`
	Target         string `json:"target"` // identity, product name, etc.
	CurrentPhase   string `json:"current_phase"`
	NeededByPhase  string `json:"needed_by_phase,omitempty"`
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason,omitempty"`
}

// Trace writes one JSON line per BindingEvent to
// `<workspace>/.envy/logs/trace.jsonl`, gated by debug_mode exactly like
// the category loggers. A single Trace is shared by all recipes in one
// run_full invocation, correlated by TraceID.
type Trace struct {
	mu      sync.Mutex
	file    *os.File
	traceID string
	seq     uint64
	enabled bool
}

// NewTrace opens (or no-ops) the trace log for one run_full invocation.
func NewTrace(workspace string, enabled bool) (*Trace, error) {
	t := &Trace{traceID: uuid.NewString(), enabled: enabled}
	if !enabled {
		return t, nil
	}

	dir := filepath.Join(workspace, ".envy", "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create trace dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "trace.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open trace log: %w", err)
	}
	t.file = f
	return t, nil
}

// TraceID returns the run correlation ID every event in this Trace shares.
func (t *Trace) TraceID() string { return t.traceID }

// Record appends one binding check to the trace log. Safe for concurrent
// use by every recipe worker.
func (t *Trace) Record(ev BindingEvent) {
	if !t.enabled || t.file == nil {
		return
	}

	t.mu.Lock()
	t.seq++
	ev.Seq = t.seq
	t.mu.Unlock()

	ev.Timestamp = time.Now().UnixMilli()
	ev.TraceID = t.traceID

	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.file.Write(append(data, '\n'))
}

// Close flushes and releases the underlying log file.
func (t *Trace) Close() error {
	if t.file == nil {
		return nil
	}
	return t.file.Close()
}
