// Package recorder writes a JSONL flight record of batch executions, one file
// per server run, keeping only the newest few runs on disk.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "data/traces"

	filePrefix = "batches_"
)

// Record kinds written by the batch executor.
const (
	KindBatchStart = "batch_start"
	KindStep       = "step"
	KindBatchEnd   = "batch_end"
)

// Event is one line of the trace.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Kind      string      `json:"kind"`
	PageID    string      `json:"page_id,omitempty"`
	Data      interface{} `json:"data"`
}

// Recorder appends events to the current run's trace file. A nil Recorder
// drops everything.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	maxFiles int
	file     *os.File
	writer   *bufio.Writer
	encoder  *json.Encoder
	path     string
	logger   *zap.Logger
}

// New prepares dir and returns a recorder with no open file.
func New(dir string, logger *zap.Logger) (*Recorder, error) {
	if dir == "" {
		dir = TraceDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &Recorder{
		dir:      dir,
		maxFiles: MaxRotatedFiles,
		logger:   logger.With(zap.String("component", "recorder")),
	}, nil
}

// Start opens a new trace file for runID, pruning older runs first.
func (r *Recorder) Start(runID string) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLocked()
	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("%s%s_%d.jsonl", filePrefix, runID, time.Now().UnixMilli())
	path := filepath.Join(r.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	r.file = f
	r.writer = bufio.NewWriter(f)
	r.encoder = json.NewEncoder(r.writer)
	r.path = path
	return nil
}

// Path returns the current trace file, or "" before Start.
func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Log appends one event and flushes it.
func (r *Recorder) Log(kind, pageID string, data interface{}) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.encoder == nil {
		return
	}

	evt := Event{Timestamp: time.Now(), Kind: kind, PageID: pageID, Data: data}
	if err := r.encoder.Encode(evt); err != nil {
		r.logger.Warn("trace encode failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	if err := r.writer.Flush(); err != nil {
		r.logger.Warn("trace flush failed", zap.Error(err))
	}
}

// rotate removes all but the newest maxFiles-1 traces to make room for the
// file Start is about to create.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}
	sort.Slice(traces, func(i, j int) bool { return traces[i].mod.After(traces[j].mod) })

	keep := r.maxFiles - 1
	if keep < 0 {
		keep = 0
	}
	for i := keep; i < len(traces); i++ {
		if err := os.Remove(filepath.Join(r.dir, traces[i].name)); err != nil {
			r.logger.Debug("trace remove failed", zap.String("file", traces[i].name), zap.Error(err))
		}
	}
	return nil
}

func (r *Recorder) closeLocked() error {
	if r.file == nil {
		return nil
	}
	flushErr := r.writer.Flush()
	err := r.file.Close()
	r.file, r.writer, r.encoder = nil, nil, nil
	if flushErr != nil {
		return flushErr
	}
	return err
}

// Close flushes and closes the current trace.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

// ReadEvents decodes a trace file.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Event
	dec := json.NewDecoder(f)
	for dec.More() {
		var evt Event
		if err := dec.Decode(&evt); err != nil {
			return out, fmt.Errorf("decode trace: %w", err)
		}
		out = append(out, evt)
	}
	return out, nil
}
