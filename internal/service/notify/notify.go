package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/totem/cluster-deployer/internal/domain"
)

// Level orders notifications by importance. Lower is more important.
type Level int

const (
	LevelFailed     Level = 1
	LevelFailedWarn Level = 2
	LevelSuccess    Level = 3
	LevelStarted    Level = 4
	LevelPending    Level = 5
)

func (l Level) String() string {
	switch l {
	case LevelFailed:
		return "failed"
	case LevelFailedWarn:
		return "failed-warn"
	case LevelSuccess:
		return "success"
	case LevelStarted:
		return "started"
	case LevelPending:
		return "pending"
	default:
		return "unknown"
	}
}

const (
	defaultSendTimeout = 10 * time.Second
	maskedValue        = "******"
)

// Notification is one message about a deployment.
type Notification struct {
	Message  string            `json:"message"`
	Level    Level             `json:"level"`
	Name     string            `json:"name,omitempty"`
	Version  string            `json:"version,omitempty"`
	Cluster  string            `json:"cluster,omitempty"`
	MetaInfo *domain.MetaInfo  `json:"meta-info,omitempty"`
	Details  map[string]any    `json:"details,omitempty"`
	Error    *domain.TaskError `json:"error,omitempty"`
	Date     time.Time         `json:"date"`
}

// For builds a notification about d.
func For(d domain.Deployment, level Level, message string) Notification {
	return Notification{
		Message:  message,
		Level:    level,
		Name:     d.Spec.Name,
		Version:  d.Spec.Version,
		Cluster:  d.Cluster,
		MetaInfo: d.MetaInfo,
	}
}

// Notifier accepts notifications without blocking the caller.
type Notifier interface {
	Notify(n Notification)
}

// Channel delivers notifications up to its configured level.
type Channel interface {
	Name() string
	Level() Level
	Send(ctx context.Context, n Notification) error
}

// Dispatcher fans notifications out to channels asynchronously. Delivery
// failures are logged and never reach the caller.
type Dispatcher struct {
	channels []Channel
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher over channels.
func NewDispatcher(logger *slog.Logger, channels ...Channel) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		channels: channels,
		logger:   logger.With("component", "notify"),
		timeout:  defaultSendTimeout,
		now:      time.Now,
	}
}

// Notify queues n on every channel whose level admits it.
func (d *Dispatcher) Notify(n Notification) {
	if n.Date.IsZero() {
		n.Date = d.now().UTC()
	}
	n.Details = Mask(n.Details)
	for _, ch := range d.channels {
		if n.Level > ch.Level() {
			continue
		}
		d.wg.Add(1)
		go func(ch Channel) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := ch.Send(ctx, n); err != nil {
				d.logger.Warn("notification failed", "channel", ch.Name(), "app", n.Name, "version", n.Version, "error", err)
			}
		}(ch)
	}
}

// Wait blocks until queued notifications have been attempted.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Discard drops every notification.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(Notification) {}

// Mask replaces values of objects flagged as encrypted so secrets never leave
// the process. The input is not modified.
func Mask(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out, _ := maskValue(details).(map[string]any)
	return out
}

func maskValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if enc, ok := t["encrypted"].(bool); ok && enc {
			if _, has := t["value"]; has {
				return maskedValue
			}
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = maskValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = maskValue(val)
		}
		return out
	default:
		return v
	}
}
