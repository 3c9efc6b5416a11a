package workflow

import (
	"context"
	"time"

	"github.com/refinerylabs/refinery/types"
)

// Executor performs the actual work behind a claimed item. The engine
// treats the work itself as opaque; only the outcome matters.
type Executor interface {
	Execute(ctx context.Context, stepID string, payload map[string]interface{}) (interface{}, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, stepID string, payload map[string]interface{}) (interface{}, error)

func (f ExecutorFunc) Execute(ctx context.Context, stepID string, payload map[string]interface{}) (interface{}, error) {
	return f(ctx, stepID, payload)
}

// ActorRunner is the pull loop for one actor: heartbeat, claim, execute,
// report. An idle runner sleeps for its poll interval between claims.
type ActorRunner struct {
	engine       *Engine
	actor        types.Actor
	exec         Executor
	pollInterval time.Duration
	execTimeout  time.Duration
}

// RunnerOption customizes an ActorRunner.
type RunnerOption func(*ActorRunner)

// WithPollInterval sets the sleep between empty claim attempts.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *ActorRunner) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithExecTimeout bounds a single work item execution.
func WithExecTimeout(d time.Duration) RunnerOption {
	return func(r *ActorRunner) {
		if d > 0 {
			r.execTimeout = d
		}
	}
}

// NewActorRunner wires an actor's execution loop to the engine.
func NewActorRunner(engine *Engine, actor types.Actor, exec Executor, opts ...RunnerOption) *ActorRunner {
	r := &ActorRunner{
		engine:       engine,
		actor:        actor,
		exec:         exec,
		pollInterval: 500 * time.Millisecond,
		execTimeout:  5 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run registers the actor and pulls work until the context is done.
func (r *ActorRunner) Run(ctx context.Context) error {
	if err := r.engine.RegisterActor(ctx, r.actor); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		worked, err := r.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !worked {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.pollInterval):
			}
		}
	}
}

// RunOnce claims and executes at most one work item. It reports whether an
// item was processed, which lets tests and demos drive the loop
// deterministically.
func (r *ActorRunner) RunOnce(ctx context.Context) (bool, error) {
	if err := r.engine.Heartbeat(ctx, r.actor.ID); err != nil {
		return false, err
	}
	item, err := r.engine.ClaimWork(ctx, r.actor.ID)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	if err := r.engine.BeginWork(ctx, item.ID, r.actor.ID); err != nil {
		return false, err
	}

	execCtx, cancel := context.WithTimeout(ctx, r.execTimeout)
	result, execErr := r.exec.Execute(execCtx, item.StepID, item.Payload)
	cancel()

	if err := r.engine.FinishItem(ctx, item.ID, result, execErr); err != nil {
		return true, err
	}
	return true, nil
}
