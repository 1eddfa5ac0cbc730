// Package cmdq accepts write intents from any caller, deduplicates them per
// logical target, debounces bursts behind one shared quiet-period timer and
// releases the pending set as a single batch to one serialized executor. It is
// the sole writer for all remote write operations.
package cmdq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tado-community/tado-governor/internal/connector"
)

const (
	defaultDebounce       = 3 * time.Second
	defaultInterCallDelay = 500 * time.Millisecond
	defaultRetryBudget    = 2
	defaultRetryDelay     = 2 * time.Second
)

type Config struct {
	Debounce       time.Duration `yaml:"debounce"`
	InterCallDelay time.Duration `yaml:"interCallDelay"`
	RetryBudget    int           `yaml:"retryBudget"`
	RetryDelay     time.Duration `yaml:"retryDelay"`
	Fusion         FusionTable   `yaml:"fusion"`
}

func (c *Config) applyDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = defaultDebounce
	}
	if c.InterCallDelay <= 0 {
		c.InterCallDelay = defaultInterCallDelay
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = defaultRetryBudget
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
}

// Queue is the debouncing command queue. Exactly one batch is in flight
// system-wide: Run is the only goroutine that executes commands.
type Queue struct {
	cfg    Config
	exec   *executor
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	pending     map[string]*Command
	order       []string
	lastEnqueue time.Time
	executing   bool
	wake        chan struct{}

	metrics *metrics
}

// New creates the queue. The gate serializes all outbound calls and is shared
// with the poller, so a read and a write are never in flight concurrently.
func New(cfg Config, caller connector.Caller, store Reconciler, budget Budget, gate sync.Locker, logger *slog.Logger) *Queue {
	cfg.applyDefaults()
	m := newMetrics()
	return &Queue{
		cfg: cfg,
		exec: &executor{
			caller:         caller,
			store:          store,
			budget:         budget,
			gate:           gate,
			fusion:         cfg.Fusion,
			retryBudget:    cfg.RetryBudget,
			retryDelay:     cfg.RetryDelay,
			interCallDelay: cfg.InterCallDelay,
			logger:         logger,
			metrics:        m,
		},
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]*Command),
		wake:    make(chan struct{}, 1),
		metrics: m,
	}
}

// Enqueue registers a write intent and returns immediately. A pending command
// with the same key is superseded: its payload is replaced, its rollback
// snapshot kept, and the queue-wide debounce timer restarts. An enqueue while
// a batch is executing starts a fresh pending command rather than touching the
// in-flight batch.
func (q *Queue) Enqueue(cmd Command) {
	q.mu.Lock()
	if prev, ok := q.pending[cmd.Key]; ok {
		cmd.Rollback = prev.Rollback
		cmd.enqueuedAt = prev.enqueuedAt
		q.metrics.superseded.Inc()
	} else {
		cmd.enqueuedAt = q.now()
		q.order = append(q.order, cmd.Key)
	}
	q.pending[cmd.Key] = &cmd
	q.lastEnqueue = q.now()
	q.metrics.enqueued.Inc()
	q.mu.Unlock()

	q.logger.Debug("command enqueued", slog.String("key", cmd.Key))
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Depth returns the number of pending commands.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats is a queue snapshot for the status surface.
type Stats struct {
	Pending   int  `json:"pending"`
	Executing bool `json:"executing"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: len(q.pending), Executing: q.executing}
}

// Run drains the queue until ctx is cancelled. It sleeps while the queue is
// empty, waits out the quiet period once commands are pending (every enqueue
// restarts the wait) and then releases everything pending as one batch.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Debug("started")
	defer q.logger.Debug("stopped")

	for {
		q.mu.Lock()
		n := len(q.pending)
		wait := q.cfg.Debounce - q.now().Sub(q.lastEnqueue)
		q.mu.Unlock()

		if n == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
			}
			continue
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-q.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		batch := q.release()
		q.exec.run(ctx, batch)
		q.mu.Lock()
		q.executing = false
		q.mu.Unlock()
	}
}

// release moves the pending set out of the queue, in enqueue order.
func (q *Queue) release() []*Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make([]*Command, 0, len(q.order))
	for _, key := range q.order {
		if cmd, ok := q.pending[key]; ok {
			batch = append(batch, cmd)
		}
	}
	q.pending = make(map[string]*Command)
	q.order = q.order[:0]
	q.executing = true
	return batch
}
