package domain

import (
	"fmt"
	"time"
)

// State is a deployment lifecycle state.
type State string

const (
	StateNew            State = "NEW"
	StateStarted        State = "STARTED"
	StatePromoted       State = "PROMOTED"
	StateFailed         State = "FAILED"
	StateDecommissioned State = "DECOMMISSIONED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateDecommissioned
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateNew, StateStarted, StatePromoted, StateFailed, StateDecommissioned:
		return true
	}
	return false
}

// Mode selects how traffic is cut over between versions.
type Mode string

const (
	ModeBlueGreen Mode = "blue-green"
	ModeRedGreen  Mode = "red-green"
	ModeAB        Mode = "a/b"
	ModeCustom    Mode = "custom"
)

// Valid reports whether m is a supported deployment mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeBlueGreen, ModeRedGreen, ModeAB, ModeCustom:
		return true
	}
	return false
}

// ExclusivePromotion reports whether at most one version may be PROMOTED at a time.
func (m Mode) ExclusivePromotion() bool {
	return m == ModeBlueGreen || m == ModeRedGreen
}

// TypeGitQuay is the default deployment type: images built from git and pushed to quay.
const TypeGitQuay = "git-quay"

// PrimaryTemplate names the template that carries the application itself.
const PrimaryTemplate = "app"

// Deployment is the normalized, persisted record of one application version.
type Deployment struct {
	ID          string              `json:"id"`
	Cluster     string              `json:"cluster"`
	MetaInfo    *MetaInfo           `json:"meta-info,omitempty"`
	Spec        Spec                `json:"deployment"`
	Templates   map[string]Template `json:"templates"`
	Proxy       Proxy               `json:"proxy"`
	Environment map[string]string   `json:"environment,omitempty"`
	State       State               `json:"state"`
	Stage       string              `json:"stage,omitempty"`
	Runtime     Runtime             `json:"runtime"`
	StartedAt   time.Time           `json:"started-at"`
	ModifiedAt  time.Time           `json:"modified-at"`
	PromotedAt  *time.Time          `json:"promoted-at,omitempty"`
}

// MetaInfo is opaque request metadata. Git details drive name and image substitution.
type MetaInfo struct {
	Git   GitInfo        `json:"git"`
	Extra map[string]any `json:"extra,omitempty"`
}

// GitInfo identifies the source revision of a deployment.
type GitInfo struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Ref    string `json:"ref"`
	Commit string `json:"commit"`
	Type   string `json:"type,omitempty"`
}

// Spec holds the deployment section of a request.
type Spec struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Version string `json:"version,omitempty"`
	Mode    Mode   `json:"mode,omitempty"`
	Nodes   int    `json:"nodes,omitempty"`
	Check   Check  `json:"check"`
	Stop    Stop   `json:"stop"`
}

// Check configures readiness and health verification.
type Check struct {
	MinNodes int    `json:"min-nodes,omitempty"`
	Port     int    `json:"port,omitempty"`
	Path     string `json:"path,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// Stop configures unit shutdown.
type Stop struct {
	Timeout      string `json:"timeout,omitempty"`
	CheckRetries int    `json:"check-retries,omitempty"`
}

// Template describes one service (the primary app or a sidekick).
type Template struct {
	Enabled     *bool        `json:"enabled,omitempty"`
	Priority    int          `json:"priority,omitempty"`
	ServiceType string       `json:"service-type,omitempty"`
	Args        TemplateArgs `json:"args"`
}

// IsEnabled treats an unset flag as enabled.
func (t Template) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// EffectivePriority returns the deploy priority, defaulting to 1.
func (t Template) EffectivePriority() int {
	if t.Priority <= 0 {
		return 1
	}
	return t.Priority
}

// TemplateArgs are passed to the fleet provider when installing a unit.
type TemplateArgs struct {
	Image       string            `json:"image,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	DockerArgs  string            `json:"docker-args,omitempty"`
	Sidekicks   []string          `json:"sidekicks,omitempty"`
	Service     ServiceArgs       `json:"service"`
}

// ServiceArgs tune the unit process supervisor.
type ServiceArgs struct {
	ContainerStopSec int `json:"container-stop-sec,omitempty"`
}

// Proxy holds traffic wiring for the deployment.
type Proxy struct {
	Hosts     map[string]Host     `json:"hosts,omitempty"`
	Listeners map[string]Listener `json:"listeners,omitempty"`
	Upstreams map[string]Upstream `json:"upstreams,omitempty"`
}

// Host is an HTTP virtual host routed to upstream ports.
type Host struct {
	Hostname  string              `json:"hostname"`
	Enabled   *bool               `json:"enabled,omitempty"`
	Locations map[string]Location `json:"locations,omitempty"`
}

// IsEnabled treats an unset flag as enabled.
func (h Host) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// Location maps a path on a host to an upstream port.
type Location struct {
	Port        int      `json:"port"`
	Path        string   `json:"path,omitempty"`
	AllowedACLs []string `json:"allowed-acls,omitempty"`
	DeniedACLs  []string `json:"denied-acls,omitempty"`
	ForceSSL    bool     `json:"force-ssl,omitempty"`
}

// Listener is a raw TCP listener routed to an upstream port.
type Listener struct {
	Name         string   `json:"name,omitempty"`
	Bind         string   `json:"bind,omitempty"`
	UpstreamPort int      `json:"upstream-port"`
	Enabled      *bool    `json:"enabled,omitempty"`
	ACLs         []string `json:"acls,omitempty"`
}

// IsEnabled treats an unset flag as enabled.
func (l Listener) IsEnabled() bool {
	return l.Enabled == nil || *l.Enabled
}

// Upstream configures the backend pool for one exposed port.
type Upstream struct {
	Mode   string         `json:"mode,omitempty"`
	Health UpstreamHealth `json:"health"`
	TTL    string         `json:"ttl,omitempty"`
}

// UpstreamHealth configures proxy-side health checks.
type UpstreamHealth struct {
	URI      string `json:"uri,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// Runtime is an advisory snapshot of what is actually running.
type Runtime struct {
	Units     []Unit            `json:"units,omitempty"`
	Upstreams map[string][]Node `json:"upstreams,omitempty"`
}

// Unit is one scheduled instance of a template on the cluster.
type Unit struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	ServiceType  string `json:"service-type"`
	NodeNum      int    `json:"node-num"`
	Machine      string `json:"machine,omitempty"`
	ActiveStatus string `json:"active-status"`
	SubStatus    string `json:"sub-status"`
}

// Node is one endpoint registered behind an upstream.
type Node struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
}

// DeploymentID builds the immutable identifier for an application version.
func DeploymentID(cluster, name, version string) string {
	return fmt.Sprintf("%s-%s-%s", cluster, name, version)
}

// EnabledTemplates returns the enabled templates keyed by service name.
func (d Deployment) EnabledTemplates() map[string]Template {
	out := make(map[string]Template, len(d.Templates))
	for name, tpl := range d.Templates {
		if tpl.IsEnabled() {
			out[name] = tpl
		}
	}
	return out
}

// Clone returns a deep copy via the JSON document shape.
func (d Deployment) Clone() Deployment {
	raw, err := MarshalDocument(d)
	if err != nil {
		return d
	}
	out, err := UnmarshalDocument(raw)
	if err != nil {
		return d
	}
	return out
}
