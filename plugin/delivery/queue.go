package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/hrygo/askparrot/internal/errors"
	"github.com/hrygo/askparrot/internal/observability"
)

// DefaultPacingIncrement is the extra delay added to each later message of
// a batch.
const DefaultPacingIncrement = 1500 * time.Millisecond

// DefaultSendTimeout bounds a single Sender call.
const DefaultSendTimeout = 15 * time.Second

// ErrNotRunning is returned by Drain when tasks are pending but no worker
// is running to deliver them.
var ErrNotRunning = errors.New("delivery worker is not running")

// State is the worker state.
type State int32

const (
	StateIdle State = iota
	StateWaitingForDelay
	StateDispatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForDelay:
		return "waiting-for-delay"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds queue settings.
type Config struct {
	PacingIncrement time.Duration
	SendTimeout     time.Duration
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		PacingIncrement: DefaultPacingIncrement,
		SendTimeout:     DefaultSendTimeout,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PacingIncrement < 0 {
		return apperrors.Configuration("pacingIncrement must not be negative, got %s", c.PacingIncrement)
	}
	if c.SendTimeout <= 0 {
		return apperrors.Configuration("sendTimeout must be greater than 0, got %s", c.SendTimeout)
	}
	return nil
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Enqueued  int64  `json:"enqueued"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	Abandoned int64  `json:"abandoned"`
	Pending   int    `json:"pending"`
	State     string `json:"state"`
}

// Queue is an unbounded FIFO of outbound messages drained by exactly one
// worker goroutine. Producers never block.
type Queue struct {
	sender Sender
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	tasks  []*Task
	notify chan struct{}
	// idle is closed and replaced each time the worker finds the queue empty.
	idle chan struct{}

	state     atomic.Int32
	enqueued  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for delays.
func WithClock(clock clockwork.Clock) Option {
	return func(q *Queue) {
		q.clock = clock
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// NewQueue creates a queue that hands tasks to sender.
func NewQueue(sender Sender, cfg Config, opts ...Option) (*Queue, error) {
	if sender == nil {
		return nil, apperrors.Configuration("delivery sender is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q := &Queue{
		sender: sender,
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		notify: make(chan struct{}, 1),
		idle:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue appends one task to the tail of the queue and returns its ID.
func (q *Queue) Enqueue(destination int64, text string, delay time.Duration, kind Kind) (string, error) {
	ids, err := q.push(destination, []string{text}, delay, 0, kind)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueBatch queues texts as separate plain messages in order. The first
// waits initialDelay and every later one waits one pacing increment longer
// than its predecessor. The batch is never interleaved with other producers.
func (q *Queue) EnqueueBatch(destination int64, texts []string, initialDelay time.Duration) ([]string, error) {
	return q.push(destination, texts, initialDelay, q.cfg.PacingIncrement, KindPlain)
}

// EnqueueAIResponse queues the parts of one model answer as a paced batch.
func (q *Queue) EnqueueAIResponse(destination int64, parts []string) ([]string, error) {
	return q.push(destination, parts, 0, q.cfg.PacingIncrement, KindAIResponse)
}

func (q *Queue) push(destination int64, texts []string, initialDelay, step time.Duration, kind Kind) ([]string, error) {
	if !kind.Valid() {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("unknown message kind %q", kind))
	}
	if initialDelay < 0 {
		return nil, apperrors.InvalidArgument("delay must not be negative")
	}
	if len(texts) == 0 {
		return nil, apperrors.InvalidArgument("nothing to enqueue")
	}
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, apperrors.InvalidArgument("message text is empty")
		}
	}

	now := q.clock.Now()
	batch := make([]*Task, len(texts))
	ids := make([]string, len(texts))
	delay := initialDelay
	for i, text := range texts {
		batch[i] = newTask(destination, text, delay, kind, now)
		ids[i] = batch[i].ID
		delay += step
	}

	q.mu.Lock()
	q.tasks = append(q.tasks, batch...)
	q.mu.Unlock()
	q.enqueued.Add(int64(len(batch)))

	select {
	case q.notify <- struct{}{}:
	default:
	}

	q.logger.Debug("messages enqueued",
		slog.Int64(observability.LogFieldChatID, destination),
		slog.Int("count", len(batch)),
		slog.String("kind", string(kind)),
	)
	return ids, nil
}

// Pending returns the number of tasks not yet taken by the worker.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// State returns the worker state.
func (q *Queue) State() State {
	return State(q.state.Load())
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Delivered: q.delivered.Load(),
		Failed:    q.failed.Load(),
		Abandoned: q.abandoned.Load(),
		Pending:   q.Pending(),
		State:     q.State().String(),
	}
}

// Start launches the worker. Starting a running queue is a no-op.
func (q *Queue) Start(ctx context.Context) error {
	q.runMu.Lock()
	if q.running {
		q.runMu.Unlock()
		return nil
	}
	q.running = true
	q.stopCh = make(chan struct{})
	stopCh := q.stopCh
	q.state.Store(int32(StateIdle))
	q.runMu.Unlock()

	q.wg.Add(1)
	go q.run(ctx, stopCh)

	q.logger.Info("delivery worker started", "pacing_increment", q.cfg.PacingIncrement)
	return nil
}

// Stop signals the worker and waits for it to exit. A send in progress is
// allowed to finish; tasks still queued stay undelivered.
func (q *Queue) Stop() {
	q.runMu.Lock()
	if !q.running {
		q.runMu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.runMu.Unlock()

	q.wg.Wait()
	q.logger.Info("delivery worker stopped", "pending", q.Pending())
}

// Drain blocks until every queued task has been handed to the sender and
// the worker is idle, or ctx ends. Tasks enqueued meanwhile are waited for
// too.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		pending := len(q.tasks)
		state := q.State()
		wake := q.idle
		q.mu.Unlock()

		busy := state == StateWaitingForDelay || state == StateDispatching
		if pending == 0 && !busy {
			return nil
		}
		if !q.IsRunning() {
			return ErrNotRunning
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// IsRunning returns whether the worker is running.
func (q *Queue) IsRunning() bool {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	return q.running
}

func (q *Queue) run(ctx context.Context, stopCh <-chan struct{}) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		q.state.Store(int32(StateStopped))
		q.wakeDrainersLocked()
		q.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			q.markStopped()
			return
		case <-stopCh:
			return
		default:
		}

		task := q.dequeue()
		if task == nil {
			select {
			case <-ctx.Done():
				q.markStopped()
				return
			case <-stopCh:
				return
			case <-q.notify:
			}
			continue
		}

		if task.Delay > 0 {
			select {
			case <-ctx.Done():
				q.abandon(task)
				q.markStopped()
				return
			case <-stopCh:
				q.abandon(task)
				return
			case <-q.clock.After(task.Delay):
			}
		}

		q.state.Store(int32(StateDispatching))
		q.dispatch(ctx, task)
		q.state.Store(int32(StateIdle))
	}
}

// dequeue pops the head task and moves the worker out of idle while still
// holding mu, so Drain never sees an empty queue with a task in flight.
// On an empty queue the worker becomes idle and Drain callers are woken.
func (q *Queue) dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		q.state.Store(int32(StateIdle))
		q.wakeDrainersLocked()
		return nil
	}
	task := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	if task.Delay > 0 {
		q.state.Store(int32(StateWaitingForDelay))
	} else {
		q.state.Store(int32(StateDispatching))
	}
	return task
}

func (q *Queue) wakeDrainersLocked() {
	close(q.idle)
	q.idle = make(chan struct{})
}

// markStopped records that the worker exited because its context ended.
func (q *Queue) markStopped() {
	q.runMu.Lock()
	q.running = false
	q.runMu.Unlock()
}

func (q *Queue) abandon(task *Task) {
	q.abandoned.Add(1)
	q.logger.Warn("delivery abandoned on shutdown",
		slog.String(observability.LogFieldTaskID, task.ID),
		slog.Int64(observability.LogFieldChatID, task.Destination),
	)
}

func (q *Queue) dispatch(ctx context.Context, task *Task) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.SendTimeout)
	defer cancel()

	start := q.clock.Now()
	err := q.send(sendCtx, task)
	attrs := []any{
		slog.String(observability.LogFieldTaskID, task.ID),
		slog.Int64(observability.LogFieldChatID, task.Destination),
		slog.Int64(observability.LogFieldDuration, q.clock.Since(start).Milliseconds()),
	}
	if err != nil {
		q.failed.Add(1)
		attrs = append(attrs,
			slog.String(observability.LogFieldErrorCode, string(apperrors.ErrCodeDeliveryFailed)),
			slog.String("error", err.Error()),
		)
		q.logger.Error("message delivery failed", attrs...)
		return
	}

	q.delivered.Add(1)
	q.logger.Debug("message delivered", append(attrs, slog.Duration("delay", task.Delay))...)
}

// send calls the Sender and turns both errors and panics into DELIVERY_FAILED.
func (q *Queue) send(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.DeliveryFailed(task.Destination, fmt.Errorf("sender panic: %v", r))
		}
	}()

	switch task.Kind {
	case KindAIResponse:
		err = q.sender.SendAIResponse(ctx, task.Destination, task.Text)
	default:
		err = q.sender.Send(ctx, task.Destination, task.Text)
	}
	if err != nil {
		return apperrors.DeliveryFailed(task.Destination, err)
	}
	return nil
}
