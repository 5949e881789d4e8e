package progress

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// tailPollInterval is how often the tail reader re-checks the file after
// hitting EOF while the writer is still running.
const tailPollInterval = 250 * time.Millisecond

// Flusher is the subset of http.Flusher the tail reader needs to push each
// line to the client as it is written.
type Flusher interface {
	Flush()
}

// SafeFileName validates a client-supplied stream file name: it must be a
// bare file name produced by NewTracker, with no path components.
func SafeFileName(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid stream file name %q", name)
	}
	if !strings.HasPrefix(name, "task-") || !strings.HasSuffix(name, ".progress") {
		return "", fmt.Errorf("invalid stream file name %q", name)
	}
	return name, nil
}

// Tail copies progress lines from the file at path to w, flushing after
// each line, until the completion sentinel is read or ctx is done. The
// sentinel itself is not forwarded. Tail never takes entity locks, so it is
// safe to stream while the workflow holds them.
func Tail(ctx context.Context, path string, w io.Writer, flusher Flusher) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open progress file: %w", err)
	}
	defer func() { _ = f.Close() }()

	reader := bufio.NewReader(f)
	var partial strings.Builder

	for {
		chunk, err := reader.ReadString('\n')
		switch {
		case err == nil:
			line := partial.String() + strings.TrimSuffix(chunk, "\n")
			partial.Reset()
			if line == CompletionSentinel {
				return nil
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return fmt.Errorf("client went away: %w", err)
			}
			if flusher != nil {
				flusher.Flush()
			}
		case err == io.EOF:
			// Writer has not finished the next line yet. Keep what we read
			// and poll again.
			partial.WriteString(chunk)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(tailPollInterval):
			}
		default:
			return fmt.Errorf("failed to read progress file: %w", err)
		}
	}
}
