package fleet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/totem/cluster-deployer/internal/domain"
)

// Container labels identifying deployer units.
const (
	LabelApp     = "io.totem.deployer.app"
	LabelVersion = "io.totem.deployer.version"
	LabelService = "io.totem.deployer.service"
	LabelNode    = "io.totem.deployer.node"
	LabelCluster = "io.totem.deployer.cluster"
)

const envDiscoverPorts = "DISCOVER_PORTS"

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// DockerProvider runs units as labelled containers on a Docker daemon.
type DockerProvider struct {
	inner   *client.Client
	cluster string
	network string
	machine string
	logger  *slog.Logger
}

// NewDocker connects to the daemon at host, or the environment default when empty.
func NewDocker(host, cluster, network string, logger *slog.Logger) (*DockerProvider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerProvider{
		inner:   inner,
		cluster: cluster,
		network: network,
		machine: inner.DaemonHost(),
		logger:  logger.With("component", "fleet", "provider", "docker"),
	}, nil
}

// Ping validates connectivity to the Docker daemon.
func (d *DockerProvider) Ping(ctx context.Context) error {
	ping, err := d.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (d *DockerProvider) Close() error {
	return d.inner.Close()
}

// InstallUnit creates, but does not start, the container for one unit.
// An existing container with the same name is replaced.
func (d *DockerProvider) InstallUnit(ctx context.Context, name, version string, nodeNum int, serviceType string, args domain.TemplateArgs) error {
	if strings.TrimSpace(args.Image) == "" {
		return domain.NewValidationError("template "+serviceType+" has no image", map[string]any{"service": serviceType})
	}
	if err := d.ensureImage(ctx, args.Image); err != nil {
		return domain.Transient("pull image", err)
	}
	containerName := d.containerName(name, version, serviceType, nodeNum)
	if err := d.inner.ContainerRemove(ctx, containerName, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !client.IsErrNotFound(err) {
		return domain.Transient("replace container", err)
	}

	env := make([]string, 0, len(args.Environment))
	for k, v := range args.Environment {
		env = append(env, k+"="+v)
	}
	slices.Sort(env)

	exposed, err := exposedPorts(args.Environment[envDiscoverPorts])
	if err != nil {
		return domain.NewValidationError(err.Error(), map[string]any{"service": serviceType})
	}
	cfg := &container.Config{
		Image:        args.Image,
		Env:          env,
		ExposedPorts: exposed,
		Labels: map[string]string{
			LabelApp:     name,
			LabelVersion: version,
			LabelService: serviceType,
			LabelNode:    strconv.Itoa(nodeNum),
			LabelCluster: d.cluster,
		},
	}
	if args.Service.ContainerStopSec > 0 {
		stop := args.Service.ContainerStopSec
		cfg.StopTimeout = &stop
	}
	hostCfg := &container.HostConfig{
		PublishAllPorts: len(exposed) > 0,
		RestartPolicy:   container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if d.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(d.network)
	}
	if _, err := d.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName); err != nil {
		return domain.Transient("container create", err)
	}
	d.logger.Info("unit installed", "unit", containerName, "image", args.Image)
	return nil
}

// StartUnit starts an installed unit.
func (d *DockerProvider) StartUnit(ctx context.Context, name, version string, nodeNum int, serviceType string, _ domain.TemplateArgs) error {
	containerName := d.containerName(name, version, serviceType, nodeNum)
	if err := d.inner.ContainerStart(ctx, containerName, container.StartOptions{}); err != nil {
		return domain.Transient("container start", err)
	}
	return nil
}

// StopUnits stops every selected container.
func (d *DockerProvider) StopUnits(ctx context.Context, name string, sel Selector) error {
	containers, err := d.list(ctx, name, sel)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.State != "running" && c.State != "restarting" && c.State != "paused" {
			continue
		}
		if err := d.inner.ContainerStop(ctx, c.ID, container.StopOptions{}); err != nil && !client.IsErrNotFound(err) {
			return domain.Transient("container stop", err)
		}
	}
	return nil
}

// RemoveUnits removes every selected container.
func (d *DockerProvider) RemoveUnits(ctx context.Context, name string, sel Selector) error {
	containers, err := d.list(ctx, name, sel)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if err := d.inner.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !client.IsErrNotFound(err) {
			return domain.Transient("container remove", err)
		}
	}
	return nil
}

// ListUnits reports selected units with their mapped states.
func (d *DockerProvider) ListUnits(ctx context.Context, name string, sel Selector) ([]domain.Unit, error) {
	containers, err := d.list(ctx, name, sel)
	if err != nil {
		return nil, err
	}
	units := make([]domain.Unit, 0, len(containers))
	for _, c := range containers {
		units = append(units, d.unitFromContainer(c))
	}
	sortUnits(units)
	return units, nil
}

// UnitStatus inspects one unit.
func (d *DockerProvider) UnitStatus(ctx context.Context, name, version string, nodeNum int, serviceType string) (domain.Unit, error) {
	inspect, err := d.inner.ContainerInspect(ctx, d.containerName(name, version, serviceType, nodeNum))
	if err != nil {
		if client.IsErrNotFound(err) {
			return missingUnit(name, version, serviceType, nodeNum), nil
		}
		return domain.Unit{}, domain.Transient("container inspect", err)
	}
	u := domain.Unit{
		Name:        name,
		Version:     version,
		ServiceType: serviceType,
		NodeNum:     nodeNum,
		Machine:     d.machine,
	}
	if inspect.State != nil {
		u.ActiveStatus, u.SubStatus = mapState(inspect.State.Status, inspect.State.ExitCode)
	} else {
		u.ActiveStatus, u.SubStatus = ActiveInactive, SubDead
	}
	return u, nil
}

func (d *DockerProvider) list(ctx context.Context, name string, sel Selector) ([]types.Container, error) {
	args := filters.NewArgs(
		filters.Arg("label", LabelApp+"="+name),
		filters.Arg("label", LabelCluster+"="+d.cluster),
	)
	if sel.Version != "" {
		args.Add("label", LabelVersion+"="+sel.Version)
	}
	containers, err := d.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, domain.Transient("container list", err)
	}
	out := containers[:0]
	for _, c := range containers {
		if sel.Matches(c.Labels[LabelVersion]) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *DockerProvider) unitFromContainer(c types.Container) domain.Unit {
	node, _ := strconv.Atoi(c.Labels[LabelNode])
	active, sub := mapState(c.State, exitCodeFromStatus(c.Status))
	return domain.Unit{
		Name:         c.Labels[LabelApp],
		Version:      c.Labels[LabelVersion],
		ServiceType:  c.Labels[LabelService],
		NodeNum:      node,
		Machine:      d.machine,
		ActiveStatus: active,
		SubStatus:    sub,
	}
}

func (d *DockerProvider) containerName(name, version, serviceType string, nodeNum int) string {
	return invalidNameChars.ReplaceAllString(UnitName(name, version, serviceType, nodeNum), "-")
}

func (d *DockerProvider) ensureImage(ctx context.Context, ref string) error {
	_, _, err := d.inner.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return err
	}
	rc, err := d.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func mapState(status string, exitCode int) (string, string) {
	switch status {
	case "running":
		return ActiveActive, SubRunning
	case "paused":
		return ActiveActive, SubWaiting
	case "restarting":
		return ActiveActivating, SubAutoRestart
	case "exited":
		if exitCode != 0 {
			return ActiveFailed, SubFailed
		}
		return ActiveInactive, SubDead
	case "dead":
		return ActiveFailed, SubFailed
	default:
		return ActiveInactive, SubDead
	}
}

var exitedPattern = regexp.MustCompile(`^Exited \((-?\d+)\)`)

func exitCodeFromStatus(status string) int {
	m := exitedPattern.FindStringSubmatch(status)
	if len(m) != 2 {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

func exposedPorts(discover string) (nat.PortSet, error) {
	ports := nat.PortSet{}
	for _, raw := range strings.Split(discover, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		port, err := nat.NewPort("tcp", raw)
		if err != nil {
			return nil, fmt.Errorf("invalid exposed port %q: %w", raw, err)
		}
		ports[port] = struct{}{}
	}
	return ports, nil
}
