// Package automation runs reactive tasks and interval jobs against the
// orchestrator's event stream. Task filters are either Go predicates or
// CEL expressions over {type, payload}; failures are isolated per task so
// one broken handler never starves the rest.
package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
)

// EventType names a community event tasks can subscribe to.
type EventType string

const (
	EventContentPublished   EventType = "content:published"
	EventContentReceived    EventType = "content:received"
	EventContentInvalid     EventType = "content:invalid"
	EventProposalCreated    EventType = "governance:proposal:created"
	EventProposalActivated  EventType = "governance:proposal:activated"
	EventProposalCancelled  EventType = "governance:proposal:cancelled"
	EventProposalClosed     EventType = "governance:proposal:closed"
	EventProposalVoted      EventType = "governance:proposal:voted"
	EventAnalyticsDigest    EventType = "analytics:digest"
	EventLedgerTransfer     EventType = "ledger:transfer"
	EventReputation         EventType = "reputation:event"
)

var (
	// ErrTaskExists reports a duplicate task id.
	ErrTaskExists = errors.New("automation task already registered")
	// ErrJobExists reports a duplicate job id.
	ErrJobExists = errors.New("automation job already registered")
	// ErrNoTriggers reports a task declaring no triggers.
	ErrNoTriggers = errors.New("automation task must declare at least one trigger")
	// ErrBadInterval reports a non-positive job interval.
	ErrBadInterval = errors.New("automation job interval must be greater than zero")
)

// Event is one occurrence delivered to Handle.
type Event struct {
	Type    EventType
	Payload any
}

// Context is handed to filters, handlers and jobs. It exposes the
// engine's shared key/value state and the configured emitter.
type Context struct {
	Logger *slog.Logger
	engine *Engine
}

// GetState reads a shared state entry.
func (c *Context) GetState(key string) (any, bool) {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	v, ok := c.engine.state[key]
	return v, ok
}

// SetState writes a shared state entry.
func (c *Context) SetState(key string, value any) {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	c.engine.state[key] = value
}

// DeleteState removes a shared state entry.
func (c *Context) DeleteState(key string) {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	delete(c.engine.state, key)
}

// Emit forwards an event through the engine's configured emitter, when
// one was injected.
func (c *Context) Emit(event string, payload any) {
	if c.engine.emit != nil {
		c.engine.emit(event, payload)
	}
}

// Filter decides whether a task runs for an event.
type Filter func(Event, *Context) (bool, error)

// Handler is the body of a task.
type Handler func(Event, *Context) error

// Task is the registration input for a reactive task. Filter and
// CELFilter may be combined; both must pass.
type Task struct {
	ID          string
	Description string
	Triggers    []EventType
	Filter      Filter
	// CELFilter is a CEL boolean expression over the variables
	// "type" (string) and "payload" (dyn).
	CELFilter string
	Run       Handler
	Once      bool
	Cooldown  time.Duration
}

// TaskStatus reports a registered task and its run counters.
type TaskStatus struct {
	ID          string      `json:"id"`
	Description string      `json:"description,omitempty"`
	Triggers    []EventType `json:"triggers"`
	Runs        int         `json:"runs"`
	LastRunAt   int64       `json:"lastRunAt,omitempty"`
	Once        bool        `json:"once,omitempty"`
	CooldownMs  int64       `json:"cooldownMs,omitempty"`
}

type internalTask struct {
	Task
	program   cel.Program
	runs      int
	lastRunAt int64
}

// Job is a fixed-interval scheduled routine.
type Job struct {
	ID          string
	Description string
	Interval    time.Duration
	Run         func(*Context) error
	// Immediate runs the job once during registration, before the
	// first tick.
	Immediate bool
}

// JobStatus reports a scheduled job and its run counters.
type JobStatus struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	IntervalMs  int64  `json:"intervalMs"`
	Runs        int    `json:"runs"`
	LastRunAt   int64  `json:"lastRunAt,omitempty"`
}

type internalJob struct {
	Job
	runs      int
	lastRunAt int64
	stop      chan struct{}
	done      chan struct{}
}

// Engine owns the task set, job schedule and shared state. Safe for
// concurrent use.
type Engine struct {
	mu       sync.Mutex
	tasks    []*internalTask
	jobs     map[string]*internalJob
	state    map[string]any
	logger   *slog.Logger
	emit     func(event string, payload any)
	clock    func() time.Time
	celEnv   *cel.Env
	celCache map[string]cel.Program
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger handed to task contexts.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithEmitter injects the emit callback exposed via Context.Emit.
func WithEmitter(emit func(event string, payload any)) Option {
	return func(e *Engine) { e.emit = emit }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine builds an empty automation engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		jobs:     make(map[string]*internalJob),
		state:    make(map[string]any),
		logger:   slog.Default().With("component", "automation"),
		clock:    time.Now,
		celCache: make(map[string]cel.Program),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) context() *Context {
	return &Context{Logger: e.logger, engine: e}
}

func (e *Engine) env() (*cel.Env, error) {
	if e.celEnv != nil {
		return e.celEnv, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("type", cel.StringType),
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	e.celEnv = env
	return env, nil
}

func (e *Engine) compileFilter(expr string) (cel.Program, error) {
	if prg, ok := e.celCache[expr]; ok {
		return prg, nil
	}
	env, err := e.env()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile filter: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("build filter program: %w", err)
	}
	e.celCache[expr] = prg
	return prg, nil
}

// celPayload converts an arbitrary payload into JSON-shaped data CEL can
// traverse.
func celPayload(payload any) any {
	if payload == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{}
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// RegisterTask adds a reactive task and returns its id. CEL filters are
// compiled eagerly so a malformed expression fails registration, not
// dispatch.
func (e *Engine) RegisterTask(task Task) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := task.ID
	if id == "" {
		id = uuid.NewString()
	}
	for _, existing := range e.tasks {
		if existing.Task.ID == id {
			return "", fmt.Errorf("task %q: %w", id, ErrTaskExists)
		}
	}
	if len(task.Triggers) == 0 {
		return "", ErrNoTriggers
	}

	internal := &internalTask{Task: task}
	internal.Task.ID = id
	if task.CELFilter != "" {
		prg, err := e.compileFilter(task.CELFilter)
		if err != nil {
			return "", err
		}
		internal.program = prg
	}
	e.tasks = append(e.tasks, internal)
	e.logger.Info("automation task registered", "task", id, "triggers", task.Triggers)
	return id, nil
}

// RemoveTask drops a task by id.
func (e *Engine) RemoveTask(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeTaskLocked(id)
}

func (e *Engine) removeTaskLocked(id string) bool {
	for i, task := range e.tasks {
		if task.Task.ID == id {
			e.tasks = append(e.tasks[:i], e.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// ListTasks reports registered tasks in registration order.
func (e *Engine) ListTasks() []TaskStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TaskStatus, 0, len(e.tasks))
	for _, task := range e.tasks {
		out = append(out, TaskStatus{
			ID:          task.Task.ID,
			Description: task.Description,
			Triggers:    append([]EventType(nil), task.Triggers...),
			Runs:        task.runs,
			LastRunAt:   task.lastRunAt,
			Once:        task.Once,
			CooldownMs:  task.Cooldown.Milliseconds(),
		})
	}
	return out
}

// Handle dispatches one event synchronously through every matching task.
// A failing filter or handler is logged and skipped; the other tasks
// still run. Once-tasks are removed after their first attempted run.
func (e *Engine) Handle(event Event) {
	e.mu.Lock()
	tasks := append([]*internalTask(nil), e.tasks...)
	e.mu.Unlock()

	ctx := e.context()
	now := e.clock().UnixMilli()
	for _, task := range tasks {
		if !triggered(task.Triggers, event.Type) {
			continue
		}
		if task.Cooldown > 0 && task.lastRunAt != 0 && now-task.lastRunAt < task.Cooldown.Milliseconds() {
			continue
		}
		ok, err := e.allow(task, event, ctx)
		if err != nil {
			e.logger.Error("automation filter failed", "task", task.Task.ID, "event", event.Type, "error", err)
			continue
		}
		if !ok {
			continue
		}

		if err := task.Run(event, ctx); err != nil {
			e.logger.Error("automation task failed", "task", task.Task.ID, "event", event.Type, "error", err)
		} else {
			e.mu.Lock()
			task.runs++
			task.lastRunAt = now
			e.mu.Unlock()
			e.logger.Debug("automation task executed", "task", task.Task.ID, "event", event.Type)
		}
		if task.Once {
			e.mu.Lock()
			e.removeTaskLocked(task.Task.ID)
			e.mu.Unlock()
		}
	}
}

func (e *Engine) allow(task *internalTask, event Event, ctx *Context) (bool, error) {
	if task.Filter != nil {
		ok, err := task.Filter(event, ctx)
		if err != nil || !ok {
			return false, err
		}
	}
	if task.program != nil {
		out, _, err := task.program.Eval(map[string]any{
			"type":    string(event.Type),
			"payload": celPayload(event.Payload),
		})
		if err != nil {
			return false, fmt.Errorf("eval filter: %w", err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("filter %q returned non-boolean", task.CELFilter)
		}
		return allowed, nil
	}
	return true, nil
}

func triggered(triggers []EventType, t EventType) bool {
	for _, trigger := range triggers {
		if trigger == t {
			return true
		}
	}
	return false
}

// RegisterJob schedules a fixed-interval job and returns its id.
func (e *Engine) RegisterJob(job Job) (string, error) {
	if job.Interval <= 0 {
		return "", ErrBadInterval
	}
	e.mu.Lock()
	id := job.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := e.jobs[id]; exists {
		e.mu.Unlock()
		return "", fmt.Errorf("job %q: %w", id, ErrJobExists)
	}
	internal := &internalJob{
		Job:  job,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	internal.Job.ID = id
	e.jobs[id] = internal
	e.mu.Unlock()

	e.logger.Info("automation job scheduled", "job", id, "interval", job.Interval)
	if job.Immediate {
		e.executeJob(internal)
	}
	go e.runJob(internal)
	return id, nil
}

func (e *Engine) runJob(job *internalJob) {
	defer close(job.done)
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.executeJob(job)
		case <-job.stop:
			return
		}
	}
}

func (e *Engine) executeJob(job *internalJob) {
	if err := job.Run(e.context()); err != nil {
		e.logger.Error("automation job failed", "job", job.Job.ID, "error", err)
		return
	}
	e.mu.Lock()
	job.runs++
	job.lastRunAt = e.clock().UnixMilli()
	e.mu.Unlock()
	e.logger.Debug("automation job executed", "job", job.Job.ID)
}

// CancelJob stops a job's ticker and removes it.
func (e *Engine) CancelJob(id string) bool {
	e.mu.Lock()
	job, ok := e.jobs[id]
	if ok {
		delete(e.jobs, id)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	close(job.stop)
	<-job.done
	e.logger.Debug("automation job cancelled", "job", id)
	return true
}

// ListJobs reports the scheduled jobs.
func (e *Engine) ListJobs() []JobStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]JobStatus, 0, len(e.jobs))
	for _, job := range e.jobs {
		out = append(out, JobStatus{
			ID:          job.Job.ID,
			Description: job.Description,
			IntervalMs:  job.Interval.Milliseconds(),
			Runs:        job.runs,
			LastRunAt:   job.lastRunAt,
		})
	}
	return out
}

// StopAllJobs cancels every scheduled job and waits for their tickers to
// wind down.
func (e *Engine) StopAllJobs() {
	e.mu.Lock()
	jobs := make([]*internalJob, 0, len(e.jobs))
	for _, job := range e.jobs {
		jobs = append(jobs, job)
	}
	e.jobs = make(map[string]*internalJob)
	e.mu.Unlock()

	for _, job := range jobs {
		close(job.stop)
		<-job.done
	}
	e.logger.Info("automation jobs stopped")
}

// ClearState drops one shared state entry, or every entry when key is
// empty.
func (e *Engine) ClearState(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if key != "" {
		delete(e.state, key)
		return
	}
	e.state = make(map[string]any)
}
