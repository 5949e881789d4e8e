package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/fleet"
	"github.com/xolo-io/xolo/internal/observability"
	"github.com/xolo-io/xolo/internal/progress"
)

// ErrPoolFull is returned by Submit when the deletion queue has no room.
// Callers fall back to deleting the package inline.
var ErrPoolFull = errors.New("package deletion queue is full")

// packageDelete is one queued fleet package deletion.
type packageDelete struct {
	Title     string
	Version   string
	PackageID string
}

// DeletePool serializes fleet package deletions through a bounded queue.
// Package deletion is the slowest fleet operation by far (the server grinds
// through its distribution points), so version deletion queues it here and
// returns instead of holding the entity locks for minutes.
type DeletePool struct {
	fleet   fleet.Factory
	metrics *observability.Metrics
	logger  *zap.Logger

	queue chan packageDelete

	mu      sync.Mutex
	started bool
	closing bool
	done    chan struct{}
}

// NewDeletePool creates a pool with room for size queued deletions.
func NewDeletePool(size int, factory fleet.Factory, metrics *observability.Metrics, logger *zap.Logger) *DeletePool {
	if size <= 0 {
		size = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeletePool{
		fleet:   factory,
		metrics: metrics,
		logger:  logger,
		queue:   make(chan packageDelete, size),
		done:    make(chan struct{}),
	}
}

// Start launches the single drain worker under the registry. Deletions run
// one at a time so the fleet server is never hammered with parallel package
// deletes.
func (p *DeletePool) Start(registry *progress.Registry) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	registry.Go("package-delete-pool", p.run)
}

func (p *DeletePool) run() {
	defer close(p.done)
	for job := range p.queue {
		p.deleteOne(job)
		p.setDepth()
	}
}

func (p *DeletePool) deleteOne(job packageDelete) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	log := p.logger.With(
		zap.String("title", job.Title),
		zap.String("version", job.Version),
		zap.String("package_id", job.PackageID),
	)

	fc, err := p.fleet.Open(ctx)
	if err != nil {
		log.Error("failed to open fleet connection for package deletion", zap.Error(err))
		return
	}
	defer func() {
		if err := fc.Close(); err != nil {
			log.Warn("failed to close fleet connection", zap.Error(err))
		}
	}()

	start := time.Now()
	if err := fc.DeletePackage(ctx, job.PackageID); err != nil && !errors.Is(err, fleet.ErrNotFound) {
		log.Error("package deletion failed", zap.Error(err))
		return
	}
	log.Info("package deleted", zap.Duration("took", time.Since(start)))
}

// Submit queues a package deletion. It never blocks: when the queue is full
// or the pool is shutting down it returns ErrPoolFull and the caller deletes
// inline.
func (p *DeletePool) Submit(title, version, packageID string) error {
	// The mutex is held across the send so Drain cannot close the queue
	// between the closing check and the enqueue.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return ErrPoolFull
	}

	select {
	case p.queue <- packageDelete{Title: title, Version: version, PackageID: packageID}:
		p.setDepth()
		return nil
	default:
		return ErrPoolFull
	}
}

// Pending reports how many deletions are queued.
func (p *DeletePool) Pending() int {
	return len(p.queue)
}

// Drain stops intake and waits up to budget for the queued deletions to
// finish. It reports how many deletions were still queued when the budget
// ran out.
func (p *DeletePool) Drain(budget time.Duration) int {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return len(p.queue)
	}
	p.closing = true
	started := p.started
	close(p.queue)
	p.mu.Unlock()

	if !started {
		return len(p.queue)
	}

	select {
	case <-p.done:
		return 0
	case <-time.After(budget):
		remaining := len(p.queue)
		p.logger.Warn("package deletion pool drain budget exhausted",
			zap.Int("remaining", remaining),
		)
		return remaining
	}
}

func (p *DeletePool) setDepth() {
	if p.metrics != nil {
		p.metrics.DeletePoolDepth.Set(float64(len(p.queue)))
	}
}
