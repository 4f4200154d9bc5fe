package fleet

import (
	"context"
	"sync"

	"github.com/totem/cluster-deployer/internal/domain"
)

// Call records one mutating provider invocation.
type Call struct {
	Op          string
	Name        string
	Version     string
	ServiceType string
	NodeNum     int
	Selector    Selector
}

// Memory is an in-process Provider. Units reach the configured sub state
// when started.
type Memory struct {
	mu       sync.Mutex
	units    map[string]domain.Unit
	args     map[string]domain.TemplateArgs
	calls    []Call
	startSub string
	stopSub  string
}

// NewMemory constructs a Memory provider whose units run once started.
func NewMemory() *Memory {
	return &Memory{
		units:    make(map[string]domain.Unit),
		args:     make(map[string]domain.TemplateArgs),
		startSub: SubRunning,
		stopSub:  SubDead,
	}
}

// SetStartState changes the sub state units enter when started.
func (m *Memory) SetStartState(sub string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startSub = sub
}

// Calls returns a copy of recorded mutating calls.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Args returns the template args a unit was installed with.
func (m *Memory) Args(name, version, serviceType string, nodeNum int) (domain.TemplateArgs, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.args[UnitName(name, version, serviceType, nodeNum)]
	return a, ok
}

// InstallUnit registers an inactive unit.
func (m *Memory) InstallUnit(_ context.Context, name, version string, nodeNum int, serviceType string, args domain.TemplateArgs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := UnitName(name, version, serviceType, nodeNum)
	m.units[key] = domain.Unit{
		Name:         name,
		Version:      version,
		ServiceType:  serviceType,
		NodeNum:      nodeNum,
		Machine:      "memory",
		ActiveStatus: ActiveInactive,
		SubStatus:    SubDead,
	}
	m.args[key] = args
	m.calls = append(m.calls, Call{Op: "install", Name: name, Version: version, ServiceType: serviceType, NodeNum: nodeNum})
	return nil
}

// StartUnit moves an installed unit into the start state.
func (m *Memory) StartUnit(_ context.Context, name, version string, nodeNum int, serviceType string, _ domain.TemplateArgs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := UnitName(name, version, serviceType, nodeNum)
	u, ok := m.units[key]
	if !ok {
		return domain.Transient("start unit", errUnitMissing(key))
	}
	u.ActiveStatus = ActiveActive
	if m.startSub != SubRunning && m.startSub != SubWaiting {
		u.ActiveStatus = ActiveActivating
	}
	u.SubStatus = m.startSub
	m.units[key] = u
	m.calls = append(m.calls, Call{Op: "start", Name: name, Version: version, ServiceType: serviceType, NodeNum: nodeNum})
	return nil
}

// StopUnits deactivates selected units.
func (m *Memory) StopUnits(_ context.Context, name string, sel Selector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, u := range m.units {
		if u.Name == name && sel.Matches(u.Version) {
			u.ActiveStatus = ActiveInactive
			u.SubStatus = m.stopSub
			m.units[key] = u
		}
	}
	m.calls = append(m.calls, Call{Op: "stop", Name: name, Selector: sel})
	return nil
}

// RemoveUnits deletes selected units.
func (m *Memory) RemoveUnits(_ context.Context, name string, sel Selector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, u := range m.units {
		if u.Name == name && sel.Matches(u.Version) {
			delete(m.units, key)
			delete(m.args, key)
		}
	}
	m.calls = append(m.calls, Call{Op: "remove", Name: name, Selector: sel})
	return nil
}

// ListUnits returns selected units.
func (m *Memory) ListUnits(_ context.Context, name string, sel Selector) ([]domain.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Unit
	for _, u := range m.units {
		if u.Name == name && sel.Matches(u.Version) {
			out = append(out, u)
		}
	}
	sortUnits(out)
	return out, nil
}

// UnitStatus returns one unit, or a dead placeholder when missing.
func (m *Memory) UnitStatus(_ context.Context, name, version string, nodeNum int, serviceType string) (domain.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.units[UnitName(name, version, serviceType, nodeNum)]; ok {
		return u, nil
	}
	return missingUnit(name, version, serviceType, nodeNum), nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error {
	return nil
}

type errUnitMissing string

func (e errUnitMissing) Error() string { return "unit " + string(e) + " not installed" }

func missingUnit(name, version, serviceType string, nodeNum int) domain.Unit {
	return domain.Unit{
		Name:         name,
		Version:      version,
		ServiceType:  serviceType,
		NodeNum:      nodeNum,
		ActiveStatus: ActiveInactive,
		SubStatus:    SubDead,
	}
}
