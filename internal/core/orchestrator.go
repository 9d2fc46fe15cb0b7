package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"podtask/internal/notify"
)

const (
	// DefaultWaitTimeout bounds how long a run may wait for its pod.
	DefaultWaitTimeout = 5 * time.Minute

	// CleanupTimeout bounds the deferred pod deletion after a run.
	CleanupTimeout = 30 * time.Second
	notifyTimeout  = 10 * time.Second
)

// Store abstracts the persistence layer used by the orchestrator.
type Store interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	// AppendExecution adds exec to the end of the task's history atomically.
	// Concurrent appends for the same task must all survive.
	AppendExecution(ctx context.Context, taskID string, exec *TaskExecution) error
}

// EnvironmentSpec describes the execution pod requested for one run.
type EnvironmentSpec struct {
	TaskID  string
	Command string
}

// Handle references a live execution pod.
type Handle struct {
	Namespace string
	Name      string
}

// Environment provisions and tears down single-use execution pods.
type Environment interface {
	Create(ctx context.Context, spec EnvironmentSpec) (Handle, error)
	// AwaitTerminal blocks until the pod reaches a terminal phase. Errors
	// caused by the bound elapsing wrap ErrWaitTimeout.
	AwaitTerminal(ctx context.Context, h Handle, timeout time.Duration) (Phase, error)
	FetchOutput(ctx context.Context, h Handle) (string, error)
	// Destroy deletes the pod. Destroying an already deleted pod is not an error.
	Destroy(ctx context.Context, h Handle) error
}

// Options tune an Orchestrator. Zero values select defaults.
type Options struct {
	WaitTimeout time.Duration
	Notifier    notify.Notifier
	Now         func() time.Time
}

// Orchestrator runs tasks in isolated pods and records their results.
type Orchestrator struct {
	store       Store
	env         Environment
	logger      *slog.Logger
	waitTimeout time.Duration
	notifier    notify.Notifier
	now         func() time.Time
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(store Store, env Environment, logger *slog.Logger, opts Options) *Orchestrator {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:       store,
		env:         env,
		logger:      logger,
		waitTimeout: opts.WaitTimeout,
		notifier:    opts.Notifier,
		now:         opts.Now,
	}
}

// Run executes the task once and appends the resulting TaskExecution to its
// history. Every failure is returned as a *RunError and persists nothing.
//
// A pod that ends in PhaseFailed is still a successful run: the command
// executed and its output is recorded with the phase.
func (o *Orchestrator) Run(ctx context.Context, taskID string) (*TaskExecution, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, newRunError(KindTaskNotFound, taskID, err)
		}
		return nil, newRunError(KindPersistence, taskID, fmt.Errorf("load task: %w", err))
	}

	exec, err := o.execute(ctx, task)
	if err != nil {
		o.notifyFailure(task, err)
		return nil, err
	}

	if err := o.store.AppendExecution(ctx, task.ID, exec); err != nil {
		runErr := newRunError(KindPersistence, task.ID, fmt.Errorf("append execution: %w", err))
		o.logger.Error("persist execution", "task_id", task.ID, "pod", exec.PodName, "err", err)
		o.notifyFailure(task, runErr)
		return nil, runErr
	}

	o.logger.Info("task run completed",
		"task_id", task.ID,
		"pod", exec.PodName,
		"phase", exec.Phase.String(),
		"duration", exec.Duration(),
		"output_bytes", len(exec.Output),
	)
	o.notifySuccess(task, exec)
	return exec, nil
}

// execute validates the task's command and runs it in a fresh pod. The pod
// is always destroyed before execute returns.
func (o *Orchestrator) execute(ctx context.Context, task *Task) (*TaskExecution, error) {
	if !IsSafe(task.Command) {
		o.logger.Warn("rejected unsafe command", "task_id", task.ID)
		return nil, newRunError(KindUnsafeCommand, task.ID, fmt.Errorf("command %q is not allowed", task.Command))
	}

	startedAt := o.now().UTC()
	handle, err := o.env.Create(ctx, EnvironmentSpec{TaskID: task.ID, Command: task.Command})
	if err != nil {
		o.logger.Error("create execution pod", "task_id", task.ID, "err", err)
		return nil, newRunError(KindEnvironmentCreate, task.ID, err)
	}
	defer o.release(ctx, task.ID, handle)
	o.logger.Debug("execution pod created", "task_id", task.ID, "pod", handle.Name)

	phase, err := o.env.AwaitTerminal(ctx, handle, o.waitTimeout)
	if err != nil {
		if errors.Is(err, ErrWaitTimeout) {
			o.logger.Warn("execution pod timed out", "task_id", task.ID, "pod", handle.Name, "timeout", o.waitTimeout)
			return nil, newRunError(KindEnvironmentTimeout, task.ID, err)
		}
		return nil, newRunError(KindEnvironmentRuntime, task.ID, fmt.Errorf("await pod: %w", err))
	}
	o.logger.Debug("execution pod finished", "task_id", task.ID, "pod", handle.Name, "phase", phase.String())

	output, err := o.env.FetchOutput(ctx, handle)
	if err != nil {
		return nil, newRunError(KindEnvironmentRuntime, task.ID, fmt.Errorf("fetch output: %w", err))
	}

	endedAt := o.now().UTC()
	if endedAt.Before(startedAt) {
		endedAt = startedAt
	}
	return &TaskExecution{
		StartTime: startedAt,
		EndTime:   endedAt,
		Output:    output,
		Phase:     phase,
		PodName:   handle.Name,
	}, nil
}

// release destroys the pod on a context detached from the caller's
// cancellation. Failures are logged and swallowed.
func (o *Orchestrator) release(ctx context.Context, taskID string, handle Handle) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CleanupTimeout)
	defer cancel()
	if err := o.env.Destroy(cleanupCtx, handle); err != nil {
		o.logger.Error("destroy execution pod", "task_id", taskID, "pod", handle.Name, "err", err)
		return
	}
	o.logger.Debug("execution pod destroyed", "task_id", taskID, "pod", handle.Name)
}

func (o *Orchestrator) notifySuccess(task *Task, exec *TaskExecution) {
	title := fmt.Sprintf("Task %s finished", displayName(task))
	body := fmt.Sprintf("phase: %s\nduration: %s", exec.Phase, exec.Duration().Round(time.Millisecond))
	o.send(title, body)
}

func (o *Orchestrator) notifyFailure(task *Task, err error) {
	kind, _ := KindOf(err)
	title := fmt.Sprintf("Task %s failed", displayName(task))
	body := fmt.Sprintf("%s: %v", kind, err)
	o.send(title, body)
}

func (o *Orchestrator) send(title, body string) {
	if o.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := o.notifier.Send(ctx, title, body); err != nil {
			o.logger.Warn("send notification", "title", title, "err", err)
		}
	}()
}

func displayName(task *Task) string {
	if task.Name != "" {
		return task.Name
	}
	return task.ID
}
