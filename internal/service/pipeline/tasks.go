package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/totem/cluster-deployer/internal/domain"
)

// TaskStatus is the externally visible progress of a submitted run.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskReady   TaskStatus = "READY"
	TaskError   TaskStatus = "ERROR"
)

// Task kinds.
const (
	KindDeploy   = "deploy"
	KindUndeploy = "undeploy"
)

// Task is a handle on a submitted run. Output is set once READY and Error
// once ERROR; retry bookkeeping is never exposed.
type Task struct {
	ID         string            `json:"task_id"`
	Kind       string            `json:"kind"`
	Status     TaskStatus        `json:"status"`
	Output     any               `json:"output,omitempty"`
	Error      *domain.TaskError `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Tasks is an in-process registry of task handles.
type Tasks struct {
	mu        sync.RWMutex
	tasks     map[string]Task
	retention time.Duration
	now       func() time.Time
}

// NewTasks constructs a registry that forgets finished tasks after retention.
func NewTasks(retention time.Duration) *Tasks {
	return &Tasks{
		tasks:     make(map[string]Task),
		retention: retention,
		now:       time.Now,
	}
}

// Create registers a new PENDING task.
func (t *Tasks) Create(kind string) Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now().UTC()
	t.pruneLocked(now)
	task := Task{ID: uuid.NewString(), Kind: kind, Status: TaskPending, CreatedAt: now}
	t.tasks[task.ID] = task
	return task
}

// Get returns the task with id.
func (t *Tasks) Get(id string) (Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.tasks[id]
	return task, ok
}

// Complete records the outcome of task id.
func (t *Tasks) Complete(id string, output any, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return
	}
	now := t.now().UTC()
	task.FinishedAt = &now
	if err != nil {
		task.Status = TaskError
		task.Error = domain.AsTaskError(err)
	} else {
		task.Status = TaskReady
		task.Output = output
	}
	t.tasks[id] = task
}

func (t *Tasks) pruneLocked(now time.Time) {
	if t.retention <= 0 {
		return
	}
	for id, task := range t.tasks {
		if task.FinishedAt != nil && now.Sub(*task.FinishedAt) > t.retention {
			delete(t.tasks, id)
		}
	}
}
