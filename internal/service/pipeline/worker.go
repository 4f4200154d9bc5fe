package pipeline

import (
	"context"
	"fmt"

	"github.com/totem/cluster-deployer/internal/domain"
)

type job struct {
	task Task
	fn   func(context.Context) (any, error)
}

// Start launches the worker pool. Runs execute under ctx; cancelling it
// stops the workers after their current run.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.cfg.Workers; i++ {
			p.workers.Add(1)
			go p.work(ctx)
		}
		p.logger.Info("pipeline workers started", "workers", p.cfg.Workers)
	})
}

func (p *Pipeline) work(ctx context.Context) {
	defer p.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closing:
			return
		case j := <-p.queue:
			output, err := p.safeRun(ctx, j)
			p.tasks.Complete(j.task.ID, output, err)
		}
	}
}

func (p *Pipeline) safeRun(ctx context.Context, j job) (output any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("task panicked", "task_id", j.task.ID, "kind", j.task.Kind, "panic", rec)
			err = fmt.Errorf("task %s panicked: %v", j.task.ID, rec)
		}
	}()
	return j.fn(ctx)
}

// SubmitDeploy validates request and queues a deployment run. Invalid
// requests are rejected immediately with a ValidationError.
func (p *Pipeline) SubmitDeploy(ctx context.Context, request domain.Deployment) (Task, error) {
	d, err := p.normalizer.Normalize(request)
	if err != nil {
		return Task{}, err
	}
	return p.Submit(ctx, KindDeploy, func(ctx context.Context) (any, error) {
		out, err := p.Deploy(ctx, d)
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}

// SubmitUndeploy queues an explicit undeploy of name, or of one version.
func (p *Pipeline) SubmitUndeploy(ctx context.Context, name, version string) (Task, error) {
	if name == "" {
		return Task{}, domain.NewValidationError("application name is required", map[string]any{"field": "name"})
	}
	return p.Submit(ctx, KindUndeploy, func(ctx context.Context) (any, error) {
		return p.Undeploy(ctx, name, version)
	})
}

// Submit queues fn as a task of kind and returns its PENDING handle.
func (p *Pipeline) Submit(ctx context.Context, kind string, fn func(context.Context) (any, error)) (Task, error) {
	select {
	case <-p.closing:
		return Task{}, ErrClosed
	default:
	}
	task := p.tasks.Create(kind)
	select {
	case p.queue <- job{task: task, fn: fn}:
		p.logger.Debug("task queued", "task_id", task.ID, "kind", kind)
		return task, nil
	case <-p.closing:
		p.tasks.Complete(task.ID, nil, ErrClosed)
		return Task{}, ErrClosed
	case <-ctx.Done():
		p.tasks.Complete(task.ID, nil, ctx.Err())
		return Task{}, ctx.Err()
	}
}

// Task returns the handle for id.
func (p *Pipeline) Task(id string) (Task, bool) {
	return p.tasks.Get(id)
}

// Close stops accepting tasks and waits for workers and scheduled
// decommissions to finish.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() { close(p.closing) })
	p.workers.Wait()
	for {
		select {
		case j := <-p.queue:
			p.tasks.Complete(j.task.ID, nil, ErrClosed)
		default:
			p.background.Wait()
			return
		}
	}
}
