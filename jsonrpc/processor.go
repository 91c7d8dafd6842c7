package jsonrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrProcessorNotRunning is returned when submitting to a processor that is stopped.
	ErrProcessorNotRunning = errors.New("processor is not running")
	// ErrProcessorRunning is returned by Start on a running processor.
	ErrProcessorRunning = errors.New("processor is already running")
	// ErrProcessingTimeout is delivered when a handler exceeds ProcessingTimeout.
	ErrProcessingTimeout = errors.New("message processing timed out")
	// ErrBatchTooLarge is returned by SubmitBatch when the batch exceeds MaxBatchSize.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
	// ErrHandlerPanic is delivered when a handler panics.
	ErrHandlerPanic = errors.New("handler panicked")
)

// QueueFullError reports backpressure: the queue is at capacity. Callers may retry.
type QueueFullError struct {
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("processing queue is full (capacity %d)", e.Capacity)
}

// Handler processes one message. It returns the response for requests and nil for notifications.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message) (*Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) (*Message, error)

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) (*Message, error) {
	return f(ctx, msg)
}

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	Workers           int
	QueueCapacity     int
	MaxBatchSize      int
	ProcessingTimeout time.Duration
}

// DefaultProcessorConfig returns one worker per CPU, a queue of 1000, batches of 10 and a 30s timeout.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Workers:           runtime.NumCPU(),
		QueueCapacity:     1000,
		MaxBatchSize:      10,
		ProcessingTimeout: 30 * time.Second,
	}
}

// Result is the outcome of one submitted message.
type Result struct {
	Response *Message
	Err      error
}

// ProcessorStats is a snapshot of processor counters.
type ProcessorStats struct {
	TotalProcessed    uint64
	Successful        uint64
	Failed            uint64
	TimedOut          uint64
	CurrentQueueDepth int
	PeakQueueDepth    int
	AverageLatency    time.Duration
}

// SuccessRate returns the ratio of successful to processed messages, or 1 when nothing ran yet.
func (s ProcessorStats) SuccessRate() float64 {
	if s.TotalProcessed == 0 {
		return 1
	}
	return float64(s.Successful) / float64(s.TotalProcessed)
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger.With(slog.String("component", "processor"))
	}
}

// Processor runs a Handler on a fixed pool of workers fed by a bounded queue.
type Processor struct {
	cfg     ProcessorConfig
	handler Handler
	logger  *slog.Logger

	mu      sync.RWMutex
	running bool
	tasks   chan task
	workers sync.WaitGroup

	processed  atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	timedOut   atomic.Uint64
	latencyNS  atomic.Int64
	peakDepth  atomic.Int64
}

type task struct {
	ctx     context.Context
	msg     Message
	results chan Result
}

// NewProcessor creates a stopped processor. Zero config fields take their defaults.
func NewProcessor(cfg ProcessorConfig, handler Handler, opts ...ProcessorOption) *Processor {
	def := DefaultProcessorConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = def.ProcessingTimeout
	}
	p := &Processor{
		cfg:     cfg,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers.
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrProcessorRunning
	}
	p.tasks = make(chan task, p.cfg.QueueCapacity)
	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go p.work(p.tasks)
	}
	p.running = true
	p.logger.Debug("processor started", slog.Int("workers", p.cfg.Workers))
	return nil
}

// Running reports whether the processor accepts work.
func (p *Processor) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Submit enqueues msg without blocking. The returned channel receives exactly one Result.
func (p *Processor) Submit(ctx context.Context, msg Message) (<-chan Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return nil, ErrProcessorNotRunning
	}
	t := task{ctx: ctx, msg: msg, results: make(chan Result, 1)}
	select {
	case p.tasks <- t:
	default:
		return nil, &QueueFullError{Capacity: p.cfg.QueueCapacity}
	}
	p.recordDepth(len(p.tasks))
	return t.results, nil
}

// SubmitBatch enqueues up to MaxBatchSize messages. On failure, messages already queued still run.
func (p *Processor) SubmitBatch(ctx context.Context, msgs []Message) ([]<-chan Result, error) {
	if len(msgs) > p.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(msgs), p.cfg.MaxBatchSize)
	}
	results := make([]<-chan Result, 0, len(msgs))
	for _, msg := range msgs {
		res, err := p.Submit(ctx, msg)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Process submits msg and waits for its result.
func (p *Processor) Process(ctx context.Context, msg Message) (*Message, error) {
	results, err := p.Submit(ctx, msg)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		return res.Response, res.Err
	}
}

// Shutdown stops accepting work and waits for queued messages to drain.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.tasks)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(drained)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to drain processor: %w", ctx.Err())
	case <-drained:
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() ProcessorStats {
	s := ProcessorStats{
		TotalProcessed: p.processed.Load(),
		Successful:     p.successful.Load(),
		Failed:         p.failed.Load(),
		TimedOut:       p.timedOut.Load(),
		PeakQueueDepth: int(p.peakDepth.Load()),
	}
	p.mu.RLock()
	if p.tasks != nil {
		s.CurrentQueueDepth = len(p.tasks)
	}
	p.mu.RUnlock()
	if s.TotalProcessed > 0 {
		s.AverageLatency = time.Duration(p.latencyNS.Load() / int64(s.TotalProcessed))
	}
	return s
}

// Config returns the effective configuration.
func (p *Processor) Config() ProcessorConfig { return p.cfg }

func (p *Processor) work(tasks <-chan task) {
	defer p.workers.Done()

	for t := range tasks {
		t.results <- p.run(t)
	}
}

func (p *Processor) run(t task) (res Result) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(t.ctx, p.cfg.ProcessingTimeout)
	defer cancel()

	defer func() {
		p.processed.Add(1)
		p.latencyNS.Add(int64(time.Since(start)))
		switch {
		case errors.Is(res.Err, ErrProcessingTimeout):
			p.timedOut.Add(1)
			p.failed.Add(1)
		case res.Err != nil:
			p.failed.Add(1)
		default:
			p.successful.Add(1)
		}
	}()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("handler panicked", slog.String("method", t.msg.Method), slog.Any("panic", r))
				done <- Result{Err: ErrHandlerPanic}
			}
		}()
		resp, err := p.handler.HandleMessage(ctx, t.msg)
		done <- Result{Response: resp, Err: err}
	}()

	select {
	case res = <-done:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Err: ErrProcessingTimeout}
		}
		return Result{Err: ctx.Err()}
	}
}

func (p *Processor) recordDepth(depth int) {
	for {
		peak := p.peakDepth.Load()
		if int64(depth) <= peak || p.peakDepth.CompareAndSwap(peak, int64(depth)) {
			return
		}
	}
}
