package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/totem/cluster-deployer/internal/domain"
	"github.com/totem/cluster-deployer/internal/retry"
	"github.com/totem/cluster-deployer/internal/service/fleet"
	"github.com/totem/cluster-deployer/internal/service/health"
	"github.com/totem/cluster-deployer/internal/service/proxy"
)

// Executors run the fan-out steps of a deployment against the cluster and
// the proxy. Every fan-out joins before returning.
type Executors struct {
	fleet  fleet.Provider
	proxy  proxy.Client
	health health.Checker
	cfg    Config
}

// NewExecutors constructs Executors.
func NewExecutors(cfg Config, fleetProvider fleet.Provider, proxyClient proxy.Client, checker health.Checker) Executors {
	return Executors{fleet: fleetProvider, proxy: proxyClient, health: checker, cfg: cfg.withDefaults()}
}

// unitRef identifies one unit of a deployment.
type unitRef struct {
	service string
	node    int
	args    domain.TemplateArgs
}

// priorityGroups returns enabled templates grouped by ascending priority.
// Templates within a group are ordered by name.
func priorityGroups(d domain.Deployment) [][]string {
	byPriority := make(map[int][]string)
	for name, tpl := range d.EnabledTemplates() {
		p := tpl.EffectivePriority()
		byPriority[p] = append(byPriority[p], name)
	}
	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)
	groups := make([][]string, 0, len(priorities))
	for _, p := range priorities {
		names := byPriority[p]
		sort.Strings(names)
		groups = append(groups, names)
	}
	return groups
}

func serviceType(name string, tpl domain.Template) string {
	if tpl.ServiceType != "" {
		return tpl.ServiceType
	}
	return name
}

func nodeCount(d domain.Deployment) int {
	if d.Spec.Nodes <= 0 {
		return 1
	}
	return d.Spec.Nodes
}

// fanOutUnits applies op to every unit, one priority group at a time. A
// group only starts once the previous one has fully completed.
func (e Executors) fanOutUnits(ctx context.Context, d domain.Deployment, op func(context.Context, unitRef) error) (int, error) {
	total := 0
	for _, group := range priorityGroups(d) {
		g, gctx := errgroup.WithContext(ctx)
		if e.cfg.FanOut > 0 {
			g.SetLimit(e.cfg.FanOut)
		}
		for _, name := range group {
			tpl := d.Templates[name]
			for node := 1; node <= nodeCount(d); node++ {
				ref := unitRef{service: serviceType(name, tpl), node: node, args: tpl.Args}
				total++
				g.Go(func() error {
					return retry.Transient(gctx, e.cfg.Transient, func(ctx context.Context) error {
						return op(ctx, ref)
					})
				})
			}
		}
		if err := g.Wait(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Deploy installs, without starting, Nodes replicas of every enabled template.
func (e Executors) Deploy(ctx context.Context, d domain.Deployment) (int, error) {
	return e.fanOutUnits(ctx, d, func(ctx context.Context, u unitRef) error {
		if err := e.fleet.InstallUnit(ctx, d.Spec.Name, d.Spec.Version, u.node, u.service, u.args); err != nil {
			return fmt.Errorf("install %s: %w", fleet.UnitName(d.Spec.Name, d.Spec.Version, u.service, u.node), err)
		}
		return nil
	})
}

// Start starts every installed unit.
func (e Executors) Start(ctx context.Context, d domain.Deployment) (int, error) {
	return e.fanOutUnits(ctx, d, func(ctx context.Context, u unitRef) error {
		if err := e.fleet.StartUnit(ctx, d.Spec.Name, d.Spec.Version, u.node, u.service, u.args); err != nil {
			return fmt.Errorf("start %s: %w", fleet.UnitName(d.Spec.Name, d.Spec.Version, u.service, u.node), err)
		}
		return nil
	})
}

// AwaitReady polls until at least MinNodes units of every enabled service
// are running or waiting.
func (e Executors) AwaitReady(ctx context.Context, d domain.Deployment) ([]domain.Unit, error) {
	services := len(d.EnabledTemplates())
	expected := d.Spec.Check.MinNodes * services
	var units []domain.Unit
	err := retry.Poll(ctx, e.cfg.Readiness, e.cfg.Transient, func(ctx context.Context) (retry.Status, error) {
		var err error
		units, err = e.fleet.ListUnits(ctx, d.Spec.Name, fleet.Selector{Version: d.Spec.Version})
		if err != nil {
			return retry.Status{}, err
		}
		running := 0
		for _, u := range units {
			if fleet.IsReady(u) {
				running++
			}
		}
		if running < expected {
			return retry.Pending(domain.MinNodesNotRunning(d.Spec.Name, d.Spec.Version, expected, running)), nil
		}
		return retry.Ready(), nil
	})
	return units, err
}

// CheckUpstream names the upstream behind the deployment's check port, or
// returns false when no check port is configured.
func CheckUpstream(d domain.Deployment) (string, bool) {
	if d.Spec.Check.Port <= 0 {
		return "", false
	}
	return proxy.UpstreamName(d.Spec.Name, d.Spec.Version, d.Spec.Check.Port, d.Spec.Mode), true
}

// AwaitDiscovery polls the proxy until MinNodes nodes registered behind the
// check upstream. Without a check port it returns immediately.
func (e Executors) AwaitDiscovery(ctx context.Context, d domain.Deployment) (map[string]string, error) {
	upstream, ok := CheckUpstream(d)
	if !ok {
		return map[string]string{}, nil
	}
	var nodes map[string]string
	err := retry.Poll(ctx, e.cfg.Discovery, e.cfg.Transient, func(ctx context.Context) (retry.Status, error) {
		var err error
		nodes, err = e.proxy.GetRegisteredNodes(ctx, upstream)
		if err != nil {
			return retry.Status{}, domain.Transient("registered nodes", err)
		}
		if len(nodes) < d.Spec.Check.MinNodes {
			return retry.Pending(domain.MinNodesNotDiscovered(upstream, d.Spec.Check.MinNodes, len(nodes))), nil
		}
		return retry.Ready(), nil
	})
	return nodes, err
}

// CheckNodes probes every discovered node concurrently. Each probe is retried
// up to the deployment's check attempts and all of them must succeed. Without
// a check path there is nothing to probe.
func (e Executors) CheckNodes(ctx context.Context, d domain.Deployment, nodes map[string]string) error {
	if len(nodes) == 0 || d.Spec.Check.Path == "" {
		return nil
	}
	timeout := time.Duration(0)
	if d.Spec.Check.Timeout != "" {
		parsed, err := domain.ParseInterval(d.Spec.Check.Timeout)
		if err != nil {
			return err
		}
		timeout = parsed
	}
	path := d.Spec.Check.Path
	policy := retry.Constant(d.Spec.Check.Attempts, e.cfg.HealthCheckDelay)

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.FanOut > 0 {
		g.SetLimit(e.cfg.FanOut)
	}
	for _, endpoint := range nodes {
		endpoint := endpoint
		g.Go(func() error {
			return retry.Do(gctx, policy, domain.IsNotConverged, func(ctx context.Context) error {
				return e.health.Check(ctx, endpoint, path, timeout)
			})
		})
	}
	return g.Wait()
}

// RegisterUpstreams registers one upstream per exposed port.
func (e Executors) RegisterUpstreams(ctx context.Context, d domain.Deployment) ([]string, error) {
	keys := make([]string, 0, len(d.Proxy.Upstreams))
	for key := range d.Proxy.Upstreams {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		port, err := strconv.Atoi(key)
		if err != nil {
			return names, domain.NewValidationError("upstream key must be a port", map[string]any{"upstream": key})
		}
		rec, err := proxy.BuildUpstreamRecord(proxy.UpstreamName(d.Spec.Name, d.Spec.Version, port, d.Spec.Mode), d.Proxy.Upstreams[key])
		if err != nil {
			return names, err
		}
		if err := retry.Transient(ctx, e.cfg.Transient, func(ctx context.Context) error {
			if err := e.proxy.RegisterUpstream(ctx, rec); err != nil {
				return domain.Transient("register upstream", err)
			}
			return nil
		}); err != nil {
			return names, err
		}
		names = append(names, rec.Name)
	}
	return names, nil
}

// WireProxy wires every enabled host and listener to the deployment's upstreams.
func (e Executors) WireProxy(ctx context.Context, d domain.Deployment) (hosts []string, listeners []string, err error) {
	hostKeys := sortedKeys(d.Proxy.Hosts)
	for _, key := range hostKeys {
		host := d.Proxy.Hosts[key]
		if !host.IsEnabled() {
			continue
		}
		rec, ok := proxy.BuildHostRecord(host, d.Spec.Name, d.Spec.Version, d.Spec.Mode)
		if !ok {
			continue
		}
		if err := retry.Transient(ctx, e.cfg.Transient, func(ctx context.Context) error {
			if err := e.proxy.WireHost(ctx, rec); err != nil {
				return domain.Transient("wire host", err)
			}
			return nil
		}); err != nil {
			return hosts, listeners, err
		}
		hosts = append(hosts, rec.Hostname)
	}
	for _, key := range sortedKeys(d.Proxy.Listeners) {
		l := d.Proxy.Listeners[key]
		if !l.IsEnabled() {
			continue
		}
		rec := proxy.BuildListenerRecord(key, l, d.Spec.Name, d.Spec.Version, d.Spec.Mode)
		if err := retry.Transient(ctx, e.cfg.Transient, func(ctx context.Context) error {
			if err := e.proxy.WireListener(ctx, rec); err != nil {
				return domain.Transient("wire listener", err)
			}
			return nil
		}); err != nil {
			return hosts, listeners, err
		}
		listeners = append(listeners, rec.Name)
	}
	return hosts, listeners, nil
}

// Undeploy stops and removes the selected units of name.
func (e Executors) Undeploy(ctx context.Context, name string, sel fleet.Selector, checkRetries int) error {
	confirm := e.cfg.Undeploy
	if checkRetries > 0 {
		confirm.MaxAttempts = checkRetries
	}
	return fleet.Undeploy(ctx, e.fleet, name, sel, fleet.UndeployPolicy{Confirm: confirm, Transient: e.cfg.Transient})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
