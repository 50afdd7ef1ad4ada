package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bvd757/receipt-analysis-system/internal/clock"
	"github.com/bvd757/receipt-analysis-system/internal/store"
)

// maxErrorLen bounds the error text written to last_error and receipts.error.
const maxErrorLen = 2000

// Pool runs Config.Concurrency independent task loops.
type Pool struct {
	queue   Queue
	proc    Processor
	cfg     Config
	clock   clock.Clock
	metrics *Metrics
	log     *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the wall clock used for claim, lease and backoff times.
func WithClock(c clock.Clock) Option { return func(p *Pool) { p.clock = c } }

// WithMetrics records loop activity into m.
func WithMetrics(m *Metrics) Option { return func(p *Pool) { p.metrics = m } }

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.log = l } }

// New creates a Pool. An empty cfg.ID gets a random UUID so that this
// process is distinguishable in the locked_by column.
func New(q Queue, proc Processor, cfg Config, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	p := &Pool{
		queue: q,
		proc:  proc,
		cfg:   cfg,
		clock: clock.Real{},
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// WorkerIDs returns the locked_by identity of each loop.
func (p *Pool) WorkerIDs() []string {
	ids := make([]string, p.cfg.Concurrency)
	for i := range ids {
		if i == 0 {
			ids[i] = p.cfg.ID
		} else {
			ids[i] = fmt.Sprintf("%s-%d", p.cfg.ID, i)
		}
	}
	return ids
}

// Start runs every loop until ctx is cancelled, then returns once all loops
// have exited. Cancelling ctx also cancels in-flight attempts; such a task is
// left processing, with no outcome recorded, for lease recovery to requeue.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range p.WorkerIDs() {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			p.run(ctx, workerID)
		}(id)
	}
	wg.Wait()
	p.log.Info("worker pool stopped", "worker_id", p.cfg.ID)
}

// run polls until ctx is cancelled. After a task it polls again at once;
// after an empty poll it sleeps PollInterval. Uses one reusable timer
// (not time.After) to avoid timer leaks.
func (p *Pool) run(ctx context.Context, workerID string) {
	p.log.Info("worker loop started", "worker_id", workerID,
		"poll_interval", p.cfg.PollInterval, "lease_timeout", p.cfg.LeaseTimeout)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("worker loop stopping", "worker_id", workerID)
			return
		case <-timer.C:
		}
		if p.Tick(ctx, workerID) {
			timer.Reset(0)
		} else {
			timer.Reset(p.cfg.PollInterval)
		}
	}
}

// Tick runs one iteration for workerID: reclaim, claim and, if a task was
// claimed, execute and finalize it. Reports whether a task was claimed.
// Errors are logged but never stop the loop.
func (p *Pool) Tick(ctx context.Context, workerID string) bool {
	now := p.clock.Now()
	n, err := p.queue.ReclaimStaleTasks(ctx, now, p.cfg.LeaseTimeout)
	if err != nil {
		p.metrics.pollError("reclaim")
		p.log.Error("reclaim stale tasks", "worker_id", workerID, "error", err)
	} else if n > 0 {
		p.metrics.addReclaimed(n)
		p.log.Warn("reclaimed tasks with expired leases", "worker_id", workerID, "count", n)
	}

	task, err := p.queue.ClaimTask(ctx, workerID, now)
	if err != nil {
		p.metrics.pollError("claim")
		p.log.Error("claim task", "worker_id", workerID, "error", err)
		return false
	}
	if task == nil {
		return false
	}
	p.metrics.incClaimed()
	p.handle(ctx, workerID, *task)
	return true
}

func (p *Pool) handle(ctx context.Context, workerID string, task store.ClaimedTask) {
	log := p.log.With("worker_id", workerID, "task_id", task.ID,
		"receipt_id", task.ReceiptID, "version", task.ReceiptVersion, "attempts", task.Attempts)

	// Finalize writes must land even if shutdown starts mid-task.
	fctx := context.WithoutCancel(ctx)

	if err := task.Validate(); err != nil {
		log.Error("malformed task row, failing without retry", "error", err)
		p.metrics.outcome(OutcomeMalformed)
		if ferr := p.queue.ForceFailTask(fctx, task.ID, workerID, truncate(err.Error()), p.clock.Now()); ferr != nil {
			log.Error("force fail task", "error", ferr)
		}
		return
	}

	log.Info("executing task")
	start := time.Now()
	execErr := p.execute(ctx, task, log)
	p.metrics.observeDuration(time.Since(start).Seconds())

	if execErr != nil && ctx.Err() != nil {
		// Shutdown interrupted the attempt; lease recovery will requeue it
		// without charging the interruption against the retry budget.
		log.Warn("task interrupted by shutdown, leaving for lease recovery", "error", execErr)
		p.metrics.outcome(OutcomeInterrupted)
		return
	}
	p.finalize(fctx, task, execErr, log)
}

// execute runs the processor with the per-task deadline. A panic becomes an
// ordinary failure.
func (p *Pool) execute(ctx context.Context, task store.ClaimedTask, log *slog.Logger) (err error) {
	if p.cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ExecTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.proc.Process(ctx, task)
}

// finalize records the attempt outcome. A store error leaves the task in
// processing for lease recovery; a lost lease means another claim owns the
// task now and nothing is written.
func (p *Pool) finalize(ctx context.Context, task store.ClaimedTask, execErr error, log *slog.Logger) {
	now := p.clock.Now()

	if execErr == nil {
		if err := p.queue.CompleteTask(ctx, task.ID, task.Attempts, now); err != nil {
			p.finalizeFailed(err, log)
			return
		}
		p.metrics.outcome(OutcomeDone)
		log.Info("task done")
		return
	}

	msg := truncate(execErr.Error())
	d := Decide(task.Attempts, p.cfg.MaxAttempts, now, p.cfg.BackoffBase)

	if d.Terminal {
		if err := p.queue.FailTask(ctx, task.ID, task.Attempts, msg, now); err != nil {
			p.finalizeFailed(err, log)
			return
		}
		p.metrics.outcome(OutcomeError)
		log.Error("task failed permanently", "error", execErr)
		p.mirrorReceipt(ctx, task, store.StatusError, msg, log)
		return
	}

	if err := p.queue.RetryTask(ctx, task.ID, task.Attempts, d.RunAfter, msg, now); err != nil {
		p.finalizeFailed(err, log)
		return
	}
	p.metrics.outcome(OutcomeRetry)
	log.Warn("task failed, retry scheduled", "error", execErr, "run_after", d.RunAfter)
	p.mirrorReceipt(ctx, task, store.StatusQueued, msg, log)
}

func (p *Pool) finalizeFailed(err error, log *slog.Logger) {
	if errors.Is(err, store.ErrLeaseLost) {
		p.metrics.outcome(OutcomeLeaseLost)
		log.Warn("lease lost before finalize, dropping outcome")
		return
	}
	p.metrics.outcome(OutcomeFinalizeFailed)
	log.Error("finalize task, leaving for lease recovery", "error", err)
}

// mirrorReceipt copies a failure onto the receipt if it is still at the
// task's version.
func (p *Pool) mirrorReceipt(ctx context.Context, task store.ClaimedTask, status store.Status, msg string, log *slog.Logger) {
	err := p.queue.MarkReceiptFailed(ctx, task.ReceiptID, task.ReceiptVersion, status, msg)
	if err != nil && !errors.Is(err, store.ErrStaleVersion) {
		log.Error("mark receipt failed", "error", err)
	}
}

func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return strings.ToValidUTF8(s[:maxErrorLen], "")
}
