package progress

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// WorkerPrefix is prepended to every supervised worker name so logs and the
// shutdown coordinator can identify them.
const WorkerPrefix = "xolo-worker-"

// Registry is the supervised set of named background workers: progress
// workers, catalog-visibility watchers, and EA-acceptance watchers all run
// under it so shutdown can enumerate and await them.
type Registry struct {
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates an empty worker registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger,
		active: make(map[string]struct{}),
	}
}

// Go runs fn on a new supervised worker. The worker is tracked under
// WorkerPrefix+name until fn returns; a panic in fn is recovered and logged
// so one worker cannot take the process down.
func (r *Registry) Go(name string, fn func()) {
	full := WorkerPrefix + name
	r.mu.Lock()
	r.active[full] = struct{}{}
	r.mu.Unlock()
	r.wg.Add(1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("worker panicked",
					zap.String("worker", full),
					zap.Any("panic", p),
				)
			}
			r.mu.Lock()
			delete(r.active, full)
			r.mu.Unlock()
			r.wg.Done()
		}()
		r.logger.Debug("worker started", zap.String("worker", full))
		fn()
		r.logger.Debug("worker finished", zap.String("worker", full))
	}()
}

// Active returns the names of currently running workers, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.active))
	for name := range r.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until every worker has finished or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gave up waiting for workers %v: %w", r.Active(), ctx.Err())
	}
}
