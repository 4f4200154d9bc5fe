package fleet

import (
	"context"
	"fmt"
	"sort"

	"github.com/totem/cluster-deployer/internal/domain"
)

// Unit status values, modelled on systemd active and sub states.
const (
	ActiveActive     = "active"
	ActiveInactive   = "inactive"
	ActiveActivating = "activating"
	ActiveFailed     = "failed"

	SubRunning     = "running"
	SubWaiting     = "waiting"
	SubDead        = "dead"
	SubFailed      = "failed"
	SubAutoRestart = "auto-restart"
)

// Selector narrows unit operations to a version, or to every version except one.
type Selector struct {
	Version        string
	ExcludeVersion string
}

// Matches reports whether version is selected.
func (s Selector) Matches(version string) bool {
	if s.Version != "" && version != s.Version {
		return false
	}
	if s.ExcludeVersion != "" && version == s.ExcludeVersion {
		return false
	}
	return true
}

// Provider schedules application units on the cluster.
type Provider interface {
	InstallUnit(ctx context.Context, name, version string, nodeNum int, serviceType string, args domain.TemplateArgs) error
	StartUnit(ctx context.Context, name, version string, nodeNum int, serviceType string, args domain.TemplateArgs) error
	StopUnits(ctx context.Context, name string, sel Selector) error
	RemoveUnits(ctx context.Context, name string, sel Selector) error
	ListUnits(ctx context.Context, name string, sel Selector) ([]domain.Unit, error)
	UnitStatus(ctx context.Context, name, version string, nodeNum int, serviceType string) (domain.Unit, error)
	Ping(ctx context.Context) error
}

// IsReady reports whether a unit counts towards readiness.
func IsReady(u domain.Unit) bool {
	return u.SubStatus == SubRunning || u.SubStatus == SubWaiting
}

// IsStopped reports whether a unit is no longer active.
func IsStopped(u domain.Unit) bool {
	return u.ActiveStatus != ActiveActive && u.ActiveStatus != ActiveActivating
}

// UnitName is the cluster-wide name of one unit.
func UnitName(name, version, serviceType string, nodeNum int) string {
	return fmt.Sprintf("%s-%s-%s-%d", name, version, serviceType, nodeNum)
}

func sortUnits(units []domain.Unit) {
	sort.Slice(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		if a.ServiceType != b.ServiceType {
			return a.ServiceType < b.ServiceType
		}
		return a.NodeNum < b.NodeNum
	})
}
