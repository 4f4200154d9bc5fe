package recovery

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/totem/cluster-deployer/internal/domain"
	"github.com/totem/cluster-deployer/internal/repository"
	"github.com/totem/cluster-deployer/internal/service/pipeline"
)

const defaultConcurrency = 8

// Submitter queues deployment runs.
type Submitter interface {
	SubmitDeploy(ctx context.Context, request domain.Deployment) (pipeline.Task, error)
}

// Filter selects the deployments a sweep resubmits. State defaults to PROMOTED.
type Filter struct {
	State        domain.State `json:"state,omitempty"`
	Name         string       `json:"name,omitempty"`
	Version      string       `json:"version,omitempty"`
	ExcludeNames []string     `json:"exclude-names,omitempty"`
}

// Submission pairs a recovered deployment with the task redeploying it.
type Submission struct {
	SourceID string `json:"source_id"`
	Version  string `json:"version"`
	TaskID   string `json:"task_id"`
}

// Failure is a deployment that could not be resubmitted.
type Failure struct {
	SourceID string            `json:"source_id"`
	Error    *domain.TaskError `json:"error"`
}

// Result summarises one sweep.
type Result struct {
	State     domain.State `json:"state"`
	Submitted []Submission `json:"submitted"`
	Failed    []Failure    `json:"failed"`
}

// Sweeper redeploys persisted deployments through the pipeline.
type Sweeper struct {
	deployments repository.DeploymentRepository
	submitter   Submitter
	logger      *slog.Logger
	concurrency int

	now func() time.Time
}

// New constructs a Sweeper.
func New(deployments repository.DeploymentRepository, submitter Submitter, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		deployments: deployments,
		submitter:   submitter,
		logger:      logger.With("component", "recovery"),
		concurrency: defaultConcurrency,
		now:         time.Now,
	}
}

// Sweep resubmits every deployment matching filter as a fresh version. Each
// resubmission is an independent pipeline run; the sweep itself neither
// retries nor compensates.
func (s *Sweeper) Sweep(ctx context.Context, filter Filter) (Result, error) {
	if filter.State == "" {
		filter.State = domain.StatePromoted
	}
	if !filter.State.Valid() {
		return Result{}, domain.NewValidationError("unknown state "+string(filter.State), map[string]any{"field": "state"})
	}
	result := Result{State: filter.State, Submitted: []Submission{}, Failed: []Failure{}}

	found, err := s.deployments.FilterDeployments(ctx, repository.DeploymentFilter{
		Name:         filter.Name,
		Version:      filter.Version,
		State:        filter.State,
		ExcludeNames: filter.ExcludeNames,
	})
	if err != nil {
		return result, domain.Transient("filter deployments", err)
	}
	if len(found) == 0 {
		s.logger.Info("recovery sweep found nothing", "state", filter.State)
		return result, nil
	}

	// Versions are epoch milliseconds offset per record so that several
	// records of one application never collide within a sweep.
	base := s.now().UnixMilli()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, d := range found {
		d := d
		request := Redeploy(d, strconv.FormatInt(base+int64(i), 10))
		g.Go(func() error {
			task, err := s.submitter.SubmitDeploy(gctx, request)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("recovery resubmit failed", "deployment_id", d.ID, "error", err)
				result.Failed = append(result.Failed, Failure{SourceID: d.ID, Error: domain.AsTaskError(err)})
				return nil
			}
			result.Submitted = append(result.Submitted, Submission{SourceID: d.ID, Version: request.Spec.Version, TaskID: task.ID})
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("recovery sweep submitted", "state", filter.State, "submitted", len(result.Submitted), "failed", len(result.Failed))
	return result, nil
}

// Redeploy clones d into a new request for version, keeping its templates,
// proxy and metadata and dropping everything the pipeline derives.
func Redeploy(d domain.Deployment, version string) domain.Deployment {
	out := d.Clone()
	out.ID = ""
	out.Spec.Version = version
	out.State = ""
	out.Stage = ""
	out.Runtime = domain.Runtime{}
	out.StartedAt = time.Time{}
	out.ModifiedAt = time.Time{}
	out.PromotedAt = nil
	return out
}
