package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/you/tg-compressor/internal/encoder"
	"github.com/you/tg-compressor/internal/jobs"
	"github.com/you/tg-compressor/internal/logx"
)

var (
	// ErrAlreadyActive rejects a submit while the owner has a queued or
	// running job.
	ErrAlreadyActive = errors.New("owner already has an active job")
	// ErrQueueFull rejects a submit when the shared FIFO is at capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrClosed rejects operations after Close.
	ErrClosed = errors.New("queue manager closed")
	// ErrNothingToCancel is returned when the owner has no cancellable job.
	ErrNothingToCancel = errors.New("nothing to cancel")
)

// CancelResult tells the caller how a cancel was carried out.
type CancelResult int

const (
	// CancelledQueued: the job was still queued and is now terminal.
	CancelledQueued CancelResult = iota
	// CancelSignalled: the job is running; the encoder was signalled and the
	// transition to cancelled completes asynchronously.
	CancelSignalled
)

// Config sizes the pool and the registry retention.
type Config struct {
	Workers    int           // concurrent encodes (default 2)
	QueueSize  int           // shared FIFO capacity (default 100)
	Retention  time.Duration // keep terminal jobs this long (default 1h)
	SweepEvery time.Duration // janitor interval (default 1m)
	DoneBuffer int           // completion notification buffer (default 64)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Minute
	}
	if c.DoneBuffer <= 0 {
		c.DoneBuffer = 64
	}
	return c
}

// task pairs a job with its cancellation context. Only workers and the
// cancel path touch it, always under the manager lock.
type task struct {
	job             *jobs.Job
	ctx             context.Context
	cancel          context.CancelFunc
	cancelRequested bool
}

// Manager admits, schedules and tracks compression jobs. A fixed pool of
// workers pulls from a shared FIFO; per owner at most one job is queued or
// running at a time.
type Manager struct {
	cfg     Config
	invoker encoder.Invoker

	mu      sync.RWMutex
	byOwner map[int64]*task
	byID    map[string]*task
	closed  bool

	tasks chan *task
	done  chan *jobs.Job

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
	janitorWg  sync.WaitGroup
}

// New starts the worker pool and the eviction janitor.
func New(invoker encoder.Invoker, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		invoker:    invoker,
		byOwner:    make(map[int64]*task),
		byID:       make(map[string]*task),
		tasks:      make(chan *task, cfg.QueueSize),
		done:       make(chan *jobs.Job, cfg.DoneBuffer),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.janitorWg.Add(1)
	go m.janitor()
	return m
}

// Submit admits a job for owner. The returned job is a snapshot.
func (m *Manager) Submit(owner int64, inputPath, inputName string) (*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if t, ok := m.byOwner[owner]; ok && t.job.Active() {
		return nil, ErrAlreadyActive
	}

	j := jobs.New(owner, inputPath, inputName)
	ctx := context.WithValue(m.rootCtx, logx.CtxKeyJobID, j.ID)
	ctx = context.WithValue(ctx, logx.CtxKeyUserID, owner)
	ctx, cancel := context.WithCancel(ctx)
	t := &task{job: j, ctx: ctx, cancel: cancel}

	select {
	case m.tasks <- t:
	default:
		cancel()
		return nil, ErrQueueFull
	}

	m.byOwner[owner] = t
	m.byID[j.ID] = t

	log.Info().Str("job_id", j.ID).Int64("user_id", owner).Msg("job queued")
	return j.Clone(), nil
}

// Status returns a snapshot of the owner's most recent job. Terminal jobs
// stay visible until evicted.
func (m *Manager) Status(owner int64) (*jobs.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byOwner[owner]
	if !ok {
		return nil, false
	}
	return t.job.Clone(), true
}

// Get returns a snapshot of a job by id.
func (m *Manager) Get(id string) (*jobs.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return t.job.Clone(), true
}

// Position returns the 1-based place of the owner's job among queued jobs,
// in submission order. False if the owner's job is not queued.
func (m *Manager) Position(owner int64) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byOwner[owner]
	if !ok || t.job.State != jobs.StateQueued {
		return 0, false
	}
	pos := 1
	for _, other := range m.byID {
		if other.job.State == jobs.StateQueued && other.job.SubmittedAt.Before(t.job.SubmittedAt) {
			pos++
		}
	}
	return pos, true
}

// Cancel cancels the owner's active job. A queued job becomes Cancelled
// synchronously; a running job is signalled and finishes cancelling once the
// encoder aborts. Terminal or absent jobs report ErrNothingToCancel.
func (m *Manager) Cancel(owner int64) (CancelResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	t, ok := m.byOwner[owner]
	if !ok {
		m.mu.Unlock()
		return 0, ErrNothingToCancel
	}
	switch t.job.State {
	case jobs.StateQueued:
		_ = t.job.Advance(jobs.StateCancelled)
		t.cancelRequested = true
		t.cancel()
		snapshot := t.job.Clone()
		// Emit while still holding the lock so Close cannot close the done
		// channel in between.
		m.emit(snapshot)
		m.mu.Unlock()
		log.Info().Str("job_id", snapshot.ID).Int64("user_id", owner).Msg("queued job cancelled")
		return CancelledQueued, nil
	case jobs.StateRunning:
		t.cancelRequested = true
		t.cancel()
		m.mu.Unlock()
		log.Info().Str("job_id", t.job.ID).Int64("user_id", owner).Msg("running job signalled to cancel")
		return CancelSignalled, nil
	default:
		m.mu.Unlock()
		return 0, ErrNothingToCancel
	}
}

// Ack evicts a terminal job once the caller has delivered its outcome.
func (m *Manager) Ack(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok || !t.job.State.Terminal() {
		return false
	}
	m.evictLocked(t)
	return true
}

// Done delivers a snapshot of every job that reaches a terminal state.
func (m *Manager) Done() <-chan *jobs.Job {
	return m.done
}

// Close aborts running encodes, drains the pool and stops the janitor.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.tasks)
	m.mu.Unlock()

	m.rootCancel()
	m.wg.Wait()
	m.janitorWg.Wait()
	close(m.done)
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	for t := range m.tasks {
		m.runTask(id, t)
	}
}

func (m *Manager) runTask(workerID int, t *task) {
	m.mu.Lock()
	if t.job.State != jobs.StateQueued {
		// Cancelled while waiting in the FIFO.
		m.mu.Unlock()
		return
	}
	_ = t.job.Advance(jobs.StateRunning)
	m.mu.Unlock()

	logger := logx.FromCtx(t.ctx)
	logger.Info().Int("worker", workerID).Msg("job started")

	res, err := m.invoker.Invoke(t.ctx, t.job.InputPath)

	m.mu.Lock()
	switch {
	case err == nil:
		_ = t.job.Advance(jobs.StateSucceeded)
		t.job.Result = res
	case errors.Is(err, encoder.ErrCancelled):
		_ = t.job.Advance(jobs.StateCancelled)
	default:
		kind := jobs.KindExternalToolFailure
		var ee *encoder.Error
		if errors.As(err, &ee) {
			kind = ee.Kind
		}
		_ = t.job.Advance(jobs.StateFailed)
		t.job.Failure = &jobs.Failure{Kind: kind, Message: userMessage(kind)}
	}
	t.cancel()
	snapshot := t.job.Clone()
	m.mu.Unlock()

	switch snapshot.State {
	case jobs.StateSucceeded:
		logger.Info().
			Int64("out_bytes", snapshot.Result.OutBytes).
			Dur("elapsed", snapshot.Result.Elapsed).
			Msg("job succeeded")
	case jobs.StateCancelled:
		logger.Info().Msg("job cancelled")
	case jobs.StateFailed:
		// Raw tool diagnostics stay in the logs, off the chat.
		logger.Error().Err(err).Str("kind", string(snapshot.Failure.Kind)).Msg("job failed")
	}
	m.emit(snapshot)
}

// emit never blocks a worker; a full notification buffer drops the event.
func (m *Manager) emit(j *jobs.Job) {
	select {
	case m.done <- j:
	default:
		log.Warn().Str("job_id", j.ID).Msg("done notification dropped, buffer full")
	}
}

func (m *Manager) janitor() {
	defer m.janitorWg.Done()
	ticker := time.NewTicker(m.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.rootCtx.Done():
			return
		case <-ticker.C:
			m.evictExpired(time.Now())
		}
	}
}

// evictExpired drops terminal jobs older than the retention window.
func (m *Manager) evictExpired(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.byID {
		if t.job.State.Terminal() && t.job.FinishedAt != nil &&
			now.Sub(*t.job.FinishedAt) >= m.cfg.Retention {
			m.evictLocked(t)
		}
	}
}

func (m *Manager) evictLocked(t *task) {
	delete(m.byID, t.job.ID)
	if cur, ok := m.byOwner[t.job.Owner]; ok && cur == t {
		delete(m.byOwner, t.job.Owner)
	}
}

// userMessage maps an error kind to the short text the bot may show.
func userMessage(kind jobs.ErrorKind) string {
	switch kind {
	case jobs.KindInputUnreadable:
		return "Could not read the video file."
	case jobs.KindTimeout:
		return "Processing took too long and was stopped."
	case jobs.KindOutputInvalid:
		return "Compression produced an invalid file."
	default:
		return "Compression failed."
	}
}
