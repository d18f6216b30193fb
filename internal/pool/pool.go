// Package pool runs fire-and-forget tasks on a bounded set of workers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task is one unit of work. ctx is cancelled when the task exceeds TaskTimeout.
type Task func(ctx context.Context) error

// Config configures a Pool.
type Config struct {
	Workers     int           `yaml:"workers" json:"workers"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout" json:"task_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   1024,
		TaskTimeout: 10 * time.Second,
	}
}

// Pool executes submitted tasks in the background. Submit never blocks:
// a full queue rejects the task. Close drains what is already queued.
type Pool struct {
	name   string
	cfg    Config
	queue  chan Task
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// New starts cfg.Workers workers.
func New(name string, cfg Config, logger *zap.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		name:   name,
		cfg:    cfg,
		queue:  make(chan Task, cfg.QueueSize),
		logger: logger.With(zap.String("component", "pool"), zap.String("pool", name)),
	}
	p.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go p.worker()
	}
	return p
}

// Submit enqueues task.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		if err := p.run(task); err != nil {
			p.failed.Add(1)
			p.logger.Warn("task failed", zap.Error(err))
			continue
		}
		p.completed.Add(1)
	}
}

func (p *Pool) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	ctx := context.Background()
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}
	return task(ctx)
}

// Close stops accepting tasks and waits for queued ones, or until ctx is done.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("pool close timed out", zap.Int("queued", len(p.queue)))
		return ctx.Err()
	}
}

// Stats returns pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats contains pool counters.
type Stats struct {
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
