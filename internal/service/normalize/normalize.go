package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/totem/cluster-deployer/internal/domain"
)

// Injected environment variables for the primary template.
const (
	EnvDiscoverPorts       = "DISCOVER_PORTS"
	EnvDiscoverMode        = "DISCOVER_MODE"
	EnvDiscoverHealth      = "DISCOVER_HEALTH"
	EnvDiscoverUpstreamTTL = "DISCOVER_UPSTREAM_TTL"
)

// Normalizer turns raw deployment requests into validated deployments.
type Normalizer struct {
	cluster  string
	defaults Defaults
	now      func() time.Time
}

// New constructs a Normalizer for cluster.
func New(cluster string, defaults Defaults) Normalizer {
	return Normalizer{cluster: cluster, defaults: defaults, now: time.Now}
}

// Normalize merges request over type and global defaults, fills derived
// fields and validates the result. Normalizing an already normalized
// deployment returns an equal deployment.
func (n Normalizer) Normalize(request domain.Deployment) (domain.Deployment, error) {
	if request.MetaInfo == nil {
		return domain.Deployment{}, domain.NewValidationError("meta-info is required", map[string]any{"field": "meta-info"})
	}
	d := request.Clone()

	if d.Spec.Type == "" {
		d.Spec.Type = domain.TypeGitQuay
	}
	if typeDefaults, ok := n.defaults.Types[d.Spec.Type]; ok {
		mergeDeployment(&d, typeDefaults)
	}
	mergeDeployment(&d, n.defaults.Global)

	if d.Spec.Type == domain.TypeGitQuay {
		if err := applyGitQuay(&d); err != nil {
			return domain.Deployment{}, err
		}
	}

	for name, tpl := range d.Templates {
		mergeTemplate(&tpl, templateDefaults())
		if tpl.ServiceType == "" {
			tpl.ServiceType = name
		}
		d.Templates[name] = tpl
	}

	if err := validate(d); err != nil {
		return domain.Deployment{}, err
	}

	if d.Spec.Version == "" {
		d.Spec.Version = strconv.FormatInt(n.now().UnixMilli(), 10)
	}
	d.ID = domain.DeploymentID(n.cluster, d.Spec.Name, d.Spec.Version)
	d.Cluster = n.cluster
	d.State = domain.StateNew
	d.Stage = ""
	if d.StartedAt.IsZero() {
		d.StartedAt = n.now().UTC()
	}
	d.PromotedAt = nil
	d.Runtime = domain.Runtime{}

	ports := ExposedPorts(d)
	if d.Proxy.Upstreams == nil {
		d.Proxy.Upstreams = make(map[string]domain.Upstream, len(ports))
	}
	for _, port := range ports {
		key := strconv.Itoa(port)
		if _, ok := d.Proxy.Upstreams[key]; !ok {
			d.Proxy.Upstreams[key] = domain.Upstream{}
		}
	}
	for name, up := range d.Proxy.Upstreams {
		mergeUpstream(&up, upstreamDefaults())
		if up.Mode != DefaultUpstreamMode {
			up.Health.URI = ""
		}
		d.Proxy.Upstreams[name] = up
	}
	if err := validateIntervals(d); err != nil {
		return domain.Deployment{}, err
	}

	app := d.Templates[domain.PrimaryTemplate]
	env, err := primaryEnvironment(d, app, ports)
	if err != nil {
		return domain.Deployment{}, err
	}
	app.Args.Environment = env
	app.Args.Sidekicks = sidekicks(d)
	stop, err := domain.ParseInterval(d.Spec.Stop.Timeout)
	if err != nil {
		return domain.Deployment{}, err
	}
	app.Args.Service.ContainerStopSec = int(stop / time.Second)
	d.Templates[domain.PrimaryTemplate] = app

	return d, nil
}

// ExposedPorts returns the sorted unique union of host location ports and
// listener upstream ports.
func ExposedPorts(d domain.Deployment) []int {
	seen := make(map[int]struct{})
	for _, host := range d.Proxy.Hosts {
		for _, loc := range host.Locations {
			if loc.Port > 0 {
				seen[loc.Port] = struct{}{}
			}
		}
	}
	for _, l := range d.Proxy.Listeners {
		if l.UpstreamPort > 0 {
			seen[l.UpstreamPort] = struct{}{}
		}
	}
	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

func applyGitQuay(d *domain.Deployment) error {
	git := d.MetaInfo.Git
	if git.Owner == "" || git.Repo == "" {
		return domain.NewValidationError("git owner and repo are required for git-quay deployments", map[string]any{"field": "meta-info.git"})
	}
	replacer := strings.NewReplacer(
		"{GIT_OWNER}", git.Owner,
		"{GIT_REPO}", git.Repo,
		"{GIT_COMMIT}", git.Commit,
		"{GIT_REF}", git.Ref,
	)
	d.Spec.Name = replacer.Replace(d.Spec.Name)
	if app, ok := d.Templates[domain.PrimaryTemplate]; ok {
		app.Args.Image = replacer.Replace(app.Args.Image)
		d.Templates[domain.PrimaryTemplate] = app
	}
	return nil
}

func validate(d domain.Deployment) error {
	if strings.TrimSpace(d.Spec.Name) == "" {
		return domain.NewValidationError("deployment name is required", map[string]any{"field": "deployment.name"})
	}
	if _, ok := d.Templates[domain.PrimaryTemplate]; !ok {
		return domain.NewValidationError("template app is required", map[string]any{"field": "templates", "template": domain.PrimaryTemplate})
	}
	if !d.Spec.Mode.Valid() {
		return domain.NewValidationError(fmt.Sprintf("unsupported deployment mode %q", d.Spec.Mode), map[string]any{"field": "deployment.mode"})
	}
	if d.Spec.Nodes < 0 || d.Spec.Check.MinNodes < 0 {
		return domain.NewValidationError("node counts must not be negative", map[string]any{"field": "deployment.nodes"})
	}
	if d.Spec.Check.MinNodes > d.Spec.Nodes {
		return domain.NewValidationError("min-nodes cannot exceed nodes", map[string]any{
			"field":     "deployment.check.min-nodes",
			"nodes":     d.Spec.Nodes,
			"min-nodes": d.Spec.Check.MinNodes,
		})
	}
	return nil
}

func validateIntervals(d domain.Deployment) error {
	intervals := []string{d.Spec.Check.Timeout, d.Spec.Stop.Timeout}
	for _, up := range d.Proxy.Upstreams {
		intervals = append(intervals, up.TTL, up.Health.Timeout)
		if up.Health.Interval != "" {
			intervals = append(intervals, up.Health.Interval)
		}
	}
	for _, value := range intervals {
		if _, err := domain.ParseInterval(value); err != nil {
			return err
		}
	}
	return nil
}

func primaryEnvironment(d domain.Deployment, app domain.Template, ports []int) (map[string]string, error) {
	env := make(map[string]string, len(app.Args.Environment)+len(d.Environment)+4)
	for k, v := range app.Args.Environment {
		env[k] = v
	}
	for k, v := range d.Environment {
		env[k] = v
	}

	portList := make([]string, 0, len(ports))
	for _, p := range ports {
		portList = append(portList, strconv.Itoa(p))
	}
	health := make(map[string]domain.UpstreamHealth, len(d.Proxy.Upstreams))
	for name, up := range d.Proxy.Upstreams {
		health[name] = up.Health
	}
	rawHealth, err := json.Marshal(health)
	if err != nil {
		return nil, fmt.Errorf("encode discover health: %w", err)
	}
	ttl, err := minUpstreamTTL(d.Proxy.Upstreams)
	if err != nil {
		return nil, err
	}

	env[EnvDiscoverPorts] = strings.Join(portList, ",")
	env[EnvDiscoverMode] = string(d.Spec.Mode)
	env[EnvDiscoverHealth] = string(rawHealth)
	env[EnvDiscoverUpstreamTTL] = strconv.FormatInt(int64(ttl/time.Second), 10)
	return env, nil
}

func minUpstreamTTL(upstreams map[string]domain.Upstream) (time.Duration, error) {
	if len(upstreams) == 0 {
		return domain.ParseInterval(DefaultUpstreamTTL)
	}
	smallest := time.Duration(math.MaxInt64)
	for _, up := range upstreams {
		ttl, err := domain.ParseInterval(up.TTL)
		if err != nil {
			return 0, err
		}
		if ttl < smallest {
			smallest = ttl
		}
	}
	return smallest, nil
}

func sidekicks(d domain.Deployment) []string {
	var out []string
	for name, tpl := range d.Templates {
		if name == domain.PrimaryTemplate || !tpl.IsEnabled() {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
