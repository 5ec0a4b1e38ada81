// Package actions runs the engine's side effects off the detection path.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sentinel-antiraid/internal/metrics"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("actions: queue full")
	ErrClosed    = errors.New("actions: dispatcher closed")
	ErrPanicked  = errors.New("actions: job panicked")
)

type Target string

const (
	Platform Target = "platform"
	Storage  Target = "storage"
)

type Job struct {
	Name    string
	GuildID string
	Target  Target
	Run     func(ctx context.Context) error
}

type Config struct {
	Workers     int
	QueueSize   int
	CallTimeout time.Duration
}

// Dispatcher is a fixed worker pool. Each target gets its own circuit breaker
// so a failing platform does not starve storage writes.
type Dispatcher struct {
	cfg      Config
	logger   *zap.Logger
	queue    chan Job
	breakers map[Target]*gobreaker.CircuitBreaker[struct{}]

	mu       sync.Mutex
	idle     *sync.Cond
	inflight int
	closed   bool
}

func New(cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan Job, cfg.QueueSize),
		breakers: make(map[Target]*gobreaker.CircuitBreaker[struct{}]),
	}
	d.idle = sync.NewCond(&d.mu)
	for _, target := range []Target{Platform, Storage} {
		d.breakers[target] = newBreaker(target, logger)
	}
	return d
}

func newBreaker(target Target, logger *zap.Logger) *gobreaker.CircuitBreaker[struct{}] {
	metrics.BreakerState.WithLabelValues(string(target)).Set(0)
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        string(target),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state change", zap.String("target", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.inflight++
	d.mu.Unlock()

	select {
	case d.queue <- job:
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		d.done()
		metrics.SideEffectsTotal.WithLabelValues(job.Name, "dropped").Inc()
		d.logger.Warn("side effect dropped", zap.String("action", job.Name), zap.String("guild_id", job.GuildID), zap.Error(ErrQueueFull))
		return ErrQueueFull
	}
}

// Serve runs the workers until ctx is done.
func (d *Dispatcher) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) String() string {
	return "actions-dispatcher"
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
			d.execute(ctx, job)
			d.done()
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, job Job) {
	breaker := d.breakers[job.Target]
	if breaker == nil {
		breaker = d.breakers[Platform]
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	_, err := breaker.Execute(func() (struct{}, error) {
		return struct{}{}, run(callCtx, job)
	})

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "rejected"
	default:
		result = "error"
	}
	metrics.SideEffectsTotal.WithLabelValues(job.Name, result).Inc()
	if err != nil {
		d.logger.Warn("side effect failed", zap.String("action", job.Name), zap.String("guild_id", job.GuildID), zap.Error(err))
	}
}

// run calls the job, turning a panic into an error so one bad job cannot take
// the worker down.
func run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return job.Run(ctx)
}

func (d *Dispatcher) done() {
	d.mu.Lock()
	d.inflight--
	if d.inflight == 0 {
		d.idle.Broadcast()
	}
	d.mu.Unlock()
}

// Wait blocks until every submitted job has run.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	for d.inflight > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

// Close refuses new jobs and waits for queued ones to finish or ctx to end.
// Workers must still be serving for the queue to drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
