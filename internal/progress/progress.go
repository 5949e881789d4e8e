// Package progress implements the progress files behind long-running
// operations. A workflow writes human-readable lines to a per-task file as
// it proceeds; a streaming HTTP endpoint tails the file and forwards each
// line to the client, closing when it sees the completion sentinel. The
// package also provides the registry of named background workers that the
// shutdown coordinator awaits.
package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CompletionSentinel is the literal final line of a progress file. The
// streaming reader closes the response when it reads this line.
const CompletionSentinel = "---TASK-COMPLETE---"

// StreamRoute is the path of the streaming endpoint; the full URL path
// handed back to clients is StreamRoute + "?stream_file=" + task file name.
const StreamRoute = "/streamed_progress/"

// Tracker writes the progress file for one long-running task. One tracker
// per task; safe for use from the task's worker goroutine and the request
// goroutine that created it.
type Tracker struct {
	id     string
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewTracker creates a unique progress file under dir and returns the
// tracker for it.
func NewTracker(dir string, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create progress directory: %w", err)
	}
	id := uuid.New().String()
	path := filepath.Join(dir, "task-"+id+".progress")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create progress file: %w", err)
	}
	return &Tracker{
		id:     id,
		path:   path,
		logger: logger.With(zap.String("task_id", id)),
		file:   f,
	}, nil
}

// ID returns the task identifier.
func (t *Tracker) ID() string {
	return t.id
}

// Path returns the progress file path.
func (t *Tracker) Path() string {
	return t.path
}

// URLPath returns the streaming URL path to hand back in the initial
// response of a long-running operation.
func (t *Tracker) URLPath() string {
	return StreamRoute + "?stream_file=" + filepath.Base(t.path)
}

// Step appends one progress line and logs it at info level.
func (t *Tracker) Step(msg string) {
	t.StepLevel(msg, zapcore.InfoLevel)
}

// StepLevel appends one progress line and logs it at the given level.
func (t *Tracker) StepLevel(msg string, level zapcore.Level) {
	t.writeLine(msg)
	if ce := t.logger.Check(level, msg); ce != nil {
		ce.Write()
	}
}

// Fail records a task failure. The ERROR line is always emitted, followed by
// the completion sentinel so streaming readers terminate.
func (t *Tracker) Fail(err error) {
	t.StepLevel(fmt.Sprintf("ERROR: %v", err), zapcore.ErrorLevel)
	t.Complete()
}

// Complete writes the completion sentinel and closes the file. Safe to call
// more than once.
func (t *Tracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if _, err := fmt.Fprintln(t.file, CompletionSentinel); err != nil {
		t.logger.Warn("failed to write completion sentinel", zap.Error(err))
	}
	if err := t.file.Close(); err != nil {
		t.logger.Warn("failed to close progress file", zap.Error(err))
	}
	t.closed = true
}

func (t *Tracker) writeLine(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if _, err := fmt.Fprintln(t.file, msg); err != nil {
		t.logger.Warn("failed to write progress line", zap.Error(err))
	}
}
