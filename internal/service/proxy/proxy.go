package proxy

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/totem/cluster-deployer/internal/domain"
)

// Client wires application traffic in the proxy registry.
type Client interface {
	WireHost(ctx context.Context, host HostRecord) error
	WireListener(ctx context.Context, listener ListenerRecord) error
	RegisterUpstream(ctx context.Context, upstream UpstreamRecord) error
	GetRegisteredNodes(ctx context.Context, upstream string) (map[string]string, error)
	Ping(ctx context.Context) error
}

// Route is a proxy location resolved to its upstream.
type Route struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	Upstream    string   `json:"upstream"`
	AllowedACLs []string `json:"allowed-acls,omitempty"`
	DeniedACLs  []string `json:"denied-acls,omitempty"`
	ForceSSL    bool     `json:"force-ssl"`
}

// HostRecord is the stored form of a wired host.
type HostRecord struct {
	Hostname  string   `json:"hostname"`
	Aliases   []string `json:"aliases,omitempty"`
	Locations []Route  `json:"locations"`
}

// ListenerRecord is the stored form of a wired TCP listener.
type ListenerRecord struct {
	Name     string   `json:"name"`
	Bind     string   `json:"bind"`
	Upstream string   `json:"upstream"`
	ACLs     []string `json:"acls,omitempty"`
}

// UpstreamRecord is the stored form of a registered upstream.
type UpstreamRecord struct {
	Name           string `json:"name"`
	Mode           string `json:"mode"`
	HealthURI      string `json:"health-uri,omitempty"`
	HealthTimeout  string `json:"health-timeout,omitempty"`
	HealthInterval string `json:"health-interval,omitempty"`
	TTLSeconds     int64  `json:"ttl"`
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// UpstreamName names the upstream for an application port. Only blue-green
// deployments get per-version upstreams; other modes share one.
func UpstreamName(app, version string, port int, mode domain.Mode) string {
	parts := []string{app}
	if mode == domain.ModeBlueGreen && version != "" {
		parts = append(parts, version)
	}
	parts = append(parts, strconv.Itoa(port))
	return unsafeChars.ReplaceAllString(strings.Join(parts, "-"), "-")
}

// Hostnames splits a comma or whitespace separated hostname field.
func Hostnames(field string) []string {
	return strings.FieldsFunc(field, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// BuildHostRecord resolves a host's locations to upstream names.
func BuildHostRecord(host domain.Host, app, version string, mode domain.Mode) (HostRecord, bool) {
	names := Hostnames(host.Hostname)
	if len(names) == 0 {
		return HostRecord{}, false
	}
	rec := HostRecord{Hostname: names[0], Aliases: names[1:]}
	for name, loc := range host.Locations {
		path := loc.Path
		if path == "" {
			path = "/"
		}
		rec.Locations = append(rec.Locations, Route{
			Name:        name,
			Path:        path,
			Upstream:    UpstreamName(app, version, loc.Port, mode),
			AllowedACLs: loc.AllowedACLs,
			DeniedACLs:  loc.DeniedACLs,
			ForceSSL:    loc.ForceSSL,
		})
	}
	sort.Slice(rec.Locations, func(i, j int) bool { return rec.Locations[i].Name < rec.Locations[j].Name })
	return rec, true
}

// BuildUpstreamRecord converts an upstream definition.
func BuildUpstreamRecord(name string, up domain.Upstream) (UpstreamRecord, error) {
	rec := UpstreamRecord{
		Name:           name,
		Mode:           up.Mode,
		HealthURI:      up.Health.URI,
		HealthTimeout:  up.Health.Timeout,
		HealthInterval: up.Health.Interval,
	}
	if up.TTL != "" {
		ttl, err := domain.ParseInterval(up.TTL)
		if err != nil {
			return UpstreamRecord{}, err
		}
		rec.TTLSeconds = int64(ttl.Seconds())
	}
	return rec, nil
}

// BuildListenerRecord resolves a listener to its upstream name.
func BuildListenerRecord(key string, l domain.Listener, app, version string, mode domain.Mode) ListenerRecord {
	name := l.Name
	if name == "" {
		name = key
	}
	return ListenerRecord{
		Name:     name,
		Bind:     l.Bind,
		Upstream: UpstreamName(app, version, l.UpstreamPort, mode),
		ACLs:     l.ACLs,
	}
}
