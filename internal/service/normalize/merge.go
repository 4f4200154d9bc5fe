package normalize

import (
	"maps"
	"slices"

	"github.com/totem/cluster-deployer/internal/domain"
)

// The merge helpers fill unset fields of dst from src. Values already set in
// dst always win, so merging request -> type defaults -> global defaults keeps
// the earliest layer.

func mergeDeployment(dst *domain.Deployment, src domain.Deployment) {
	if dst.MetaInfo == nil && src.MetaInfo != nil {
		meta := *src.MetaInfo
		meta.Extra = maps.Clone(src.MetaInfo.Extra)
		dst.MetaInfo = &meta
	}
	mergeSpec(&dst.Spec, src.Spec)
	if len(src.Templates) > 0 && dst.Templates == nil {
		dst.Templates = make(map[string]domain.Template, len(src.Templates))
	}
	for name, tpl := range src.Templates {
		cur, ok := dst.Templates[name]
		if !ok {
			dst.Templates[name] = cloneTemplate(tpl)
			continue
		}
		mergeTemplate(&cur, tpl)
		dst.Templates[name] = cur
	}
	mergeProxy(&dst.Proxy, src.Proxy)
	dst.Environment = mergeStrings(dst.Environment, src.Environment)
}

func mergeSpec(dst *domain.Spec, src domain.Spec) {
	setString(&dst.Name, src.Name)
	setString(&dst.Type, src.Type)
	setString(&dst.Version, src.Version)
	if dst.Mode == "" {
		dst.Mode = src.Mode
	}
	setInt(&dst.Nodes, src.Nodes)
	setInt(&dst.Check.MinNodes, src.Check.MinNodes)
	setInt(&dst.Check.Port, src.Check.Port)
	setString(&dst.Check.Path, src.Check.Path)
	setInt(&dst.Check.Attempts, src.Check.Attempts)
	setString(&dst.Check.Timeout, src.Check.Timeout)
	setString(&dst.Stop.Timeout, src.Stop.Timeout)
	setInt(&dst.Stop.CheckRetries, src.Stop.CheckRetries)
}

func mergeTemplate(dst *domain.Template, src domain.Template) {
	if dst.Enabled == nil && src.Enabled != nil {
		v := *src.Enabled
		dst.Enabled = &v
	}
	setInt(&dst.Priority, src.Priority)
	setString(&dst.ServiceType, src.ServiceType)
	setString(&dst.Args.Image, src.Args.Image)
	setString(&dst.Args.DockerArgs, src.Args.DockerArgs)
	dst.Args.Environment = mergeStrings(dst.Args.Environment, src.Args.Environment)
	if dst.Args.Sidekicks == nil && src.Args.Sidekicks != nil {
		dst.Args.Sidekicks = slices.Clone(src.Args.Sidekicks)
	}
	setInt(&dst.Args.Service.ContainerStopSec, src.Args.Service.ContainerStopSec)
}

func mergeProxy(dst *domain.Proxy, src domain.Proxy) {
	if len(src.Hosts) > 0 && dst.Hosts == nil {
		dst.Hosts = make(map[string]domain.Host, len(src.Hosts))
	}
	for name, host := range src.Hosts {
		if _, ok := dst.Hosts[name]; !ok {
			dst.Hosts[name] = host
		}
	}
	if len(src.Listeners) > 0 && dst.Listeners == nil {
		dst.Listeners = make(map[string]domain.Listener, len(src.Listeners))
	}
	for name, l := range src.Listeners {
		if _, ok := dst.Listeners[name]; !ok {
			dst.Listeners[name] = l
		}
	}
	if len(src.Upstreams) > 0 && dst.Upstreams == nil {
		dst.Upstreams = make(map[string]domain.Upstream, len(src.Upstreams))
	}
	for name, up := range src.Upstreams {
		cur, ok := dst.Upstreams[name]
		if !ok {
			dst.Upstreams[name] = up
			continue
		}
		mergeUpstream(&cur, up)
		dst.Upstreams[name] = cur
	}
}

func mergeUpstream(dst *domain.Upstream, src domain.Upstream) {
	setString(&dst.Mode, src.Mode)
	setString(&dst.TTL, src.TTL)
	setString(&dst.Health.URI, src.Health.URI)
	setString(&dst.Health.Timeout, src.Health.Timeout)
	setString(&dst.Health.Interval, src.Health.Interval)
}

func mergeStrings(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}

func cloneTemplate(t domain.Template) domain.Template {
	out := t
	if t.Enabled != nil {
		v := *t.Enabled
		out.Enabled = &v
	}
	out.Args.Environment = maps.Clone(t.Args.Environment)
	out.Args.Sidekicks = slices.Clone(t.Args.Sidekicks)
	return out
}

func setString(dst *string, src string) {
	if *dst == "" {
		*dst = src
	}
}

func setInt(dst *int, src int) {
	if *dst == 0 {
		*dst = src
	}
}
