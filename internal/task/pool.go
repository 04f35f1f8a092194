package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/relialabs/doctext/internal/broker"
	"github.com/relialabs/doctext/internal/extract"
	"github.com/relialabs/doctext/internal/observability"
)

// Executor runs one extraction. Satisfied by extract.Router.
type Executor interface {
	Extract(ctx context.Context, req *extract.Request) (*extract.Result, error)
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Workers     int
	TaskTimeout time.Duration
	PollTimeout time.Duration
}

// DefaultPoolConfig returns the stock pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:     4,
		TaskTimeout: 5 * time.Minute,
		PollTimeout: time.Second,
	}
}

// Pool consumes the queue with a fixed number of workers. Intake and
// execution are cancelled separately: stopping intake lets in-flight
// tasks drain, force-stop abandons them.
type Pool struct {
	cfg    PoolConfig
	queue  Queue
	store  Store
	exec   Executor
	logger *observability.Logger
	onDone func(taskID string)

	mu     sync.Mutex
	active map[string]struct{}

	intakeCancel context.CancelFunc
	forceCancel  context.CancelFunc
	wg           sync.WaitGroup
}

func NewPool(cfg PoolConfig, queue Queue, store Store, exec Executor, logger *observability.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	return &Pool{
		cfg:    cfg,
		queue:  queue,
		store:  store,
		exec:   exec,
		logger: logger.WithComponent("pool"),
		active: make(map[string]struct{}),
	}
}

// OnTaskDone registers a hook invoked after a task reaches a terminal
// state. The cleanup registry uses it to release the task's temp file.
func (p *Pool) OnTaskDone(fn func(taskID string)) {
	p.onDone = fn
}

// Start launches the workers. Intake stops when StopIntake or Stop is
// called; execution additionally honors ctx.
func (p *Pool) Start(ctx context.Context) {
	intakeCtx, intakeCancel := context.WithCancel(ctx)
	execCtx, forceCancel := context.WithCancel(context.WithoutCancel(ctx))
	p.intakeCancel = intakeCancel
	p.forceCancel = forceCancel

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.worker(intakeCtx, execCtx, id)
		}(i)
	}
	p.logger.Info().Int("workers", p.cfg.Workers).Msg("worker pool started")
}

func (p *Pool) worker(intakeCtx, execCtx context.Context, id int) {
	log := p.logger.WithComponent(fmt.Sprintf("worker-%d", id))
	for {
		if intakeCtx.Err() != nil {
			return
		}
		msg, err := p.queue.Dequeue(intakeCtx, p.cfg.PollTimeout)
		switch {
		case err == nil:
		case errors.Is(err, ErrQueueEmpty):
			continue
		case errors.Is(err, broker.ErrConnectionUnavailable):
			// The broker manager is reconnecting in the background; back
			// off the poll instead of spinning.
			select {
			case <-intakeCtx.Done():
				return
			case <-time.After(p.cfg.PollTimeout):
			}
			continue
		case intakeCtx.Err() != nil:
			return
		default:
			log.Error().Err(err).Msg("dequeue failed")
			select {
			case <-intakeCtx.Done():
				return
			case <-time.After(p.cfg.PollTimeout):
			}
			continue
		}
		p.process(execCtx, log, msg)
	}
}

func (p *Pool) process(ctx context.Context, log *observability.Logger, msg *Message) {
	p.mu.Lock()
	p.active[msg.TaskID] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.active, msg.TaskID)
		p.mu.Unlock()
	}()

	log = log.WithTask(msg.TaskID)

	rec, err := p.store.Get(ctx, msg.TaskID)
	switch {
	case err == nil && rec.State.Terminal():
		// Redelivered message for a finished task; at-least-once delivery
		// makes this normal.
		log.Debug().Str("state", string(rec.State)).Msg("skipping redelivered task")
		return
	case errors.Is(err, ErrNotFound):
		rec = &Record{ID: msg.TaskID, Filename: msg.Filename, CreatedAt: msg.EnqueuedAt}
	case err != nil:
		log.Error().Err(err).Msg("record lookup failed; leaving message unprocessed")
		return
	}

	rec.State = StateStarted
	rec.UpdatedAt = time.Now()
	if err := p.store.Put(ctx, rec); err != nil {
		log.Error().Err(err).Msg("failed to mark task started")
		return
	}

	p.finish(ctx, log, rec, p.run(ctx, msg))
}

type outcome struct {
	result *extract.Result
	err    error
}

func (p *Pool) run(ctx context.Context, msg *Message) outcome {
	data, err := os.ReadFile(msg.FilePath)
	if err != nil {
		return outcome{err: fmt.Errorf("read document: %w", err)}
	}

	taskCtx := ctx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	result, err := p.exec.Extract(taskCtx, &extract.Request{
		Filename: msg.Filename,
		Data:     data,
		Options: extract.Options{
			OCR:       msg.OCR,
			Languages: msg.Languages,
		},
	})
	return outcome{result: result, err: err}
}

func (p *Pool) finish(ctx context.Context, log *observability.Logger, rec *Record, out outcome) {
	if ctx.Err() != nil {
		// Force-stopped mid-task. The shutdown coordinator discards the
		// record and the temp file; storing a result here would race it.
		log.Warn().Msg("task abandoned by shutdown")
		return
	}

	rec.UpdatedAt = time.Now()
	if out.err != nil {
		rec.State = StateFailure
		rec.Error = out.err.Error()
		log.Warn().Err(out.err).Msg("task failed")
	} else {
		rec.State = StateSuccess
		rec.Result = out.result
		log.Info().Str("extractor", out.result.Extractor).Msg("task succeeded")
	}

	if err := p.store.Put(ctx, rec); err != nil {
		log.Error().Err(err).Msg("failed to store task result")
		return
	}
	if p.onDone != nil {
		p.onDone(rec.ID)
	}
}

// Active returns the ids of tasks currently executing.
func (p *Pool) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int {
	return p.cfg.Workers
}

// StopIntake stops dequeuing; in-flight tasks keep running.
func (p *Pool) StopIntake() {
	if p.intakeCancel != nil {
		p.intakeCancel()
	}
}

// Drain stops intake and waits for in-flight tasks up to ctx's deadline.
// Tasks still running when the deadline passes are cancelled and their
// ids returned as abandoned.
func (p *Pool) Drain(ctx context.Context) []string {
	p.StopIntake()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	abandoned := p.Active()
	if p.forceCancel != nil {
		p.forceCancel()
	}
	<-done
	return abandoned
}
