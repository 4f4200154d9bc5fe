package normalize

import "github.com/totem/cluster-deployer/internal/domain"

// Template names provided by the git-quay type defaults.
const (
	RegisterTemplate = "yoda-register"
	LoggerTemplate   = "logger"
)

// Upstream defaults.
const (
	DefaultUpstreamMode          = "http"
	DefaultUpstreamHealthTimeout = "5s"
	DefaultUpstreamTTL           = "1w"
)

// Defaults are the lower-precedence layers merged under every request.
type Defaults struct {
	// Types holds defaults keyed by deployment type.
	Types map[string]domain.Deployment
	// Global applies to every deployment after type defaults.
	Global domain.Deployment
}

// Images configures the container images used by type defaults.
type Images struct {
	Prefix   string
	Register string
	Logger   string
}

// DefaultDefaults returns the built-in defaults.
func DefaultDefaults(images Images) Defaults {
	enabled := true
	return Defaults{
		Types: map[string]domain.Deployment{
			domain.TypeGitQuay: {
				Spec: domain.Spec{
					Name: "{GIT_OWNER}-{GIT_REPO}-{GIT_REF}",
					Type: domain.TypeGitQuay,
				},
				Templates: map[string]domain.Template{
					domain.PrimaryTemplate: {
						Enabled:  &enabled,
						Priority: 1,
						Args: domain.TemplateArgs{
							Image: images.Prefix + "{GIT_OWNER}/{GIT_REPO}:{GIT_COMMIT}",
						},
					},
					RegisterTemplate: {
						Enabled:  &enabled,
						Priority: 2,
						Args:     domain.TemplateArgs{Image: images.Register},
					},
					LoggerTemplate: {
						Enabled:  &enabled,
						Priority: 2,
						Args:     domain.TemplateArgs{Image: images.Logger},
					},
				},
			},
		},
		Global: domain.Deployment{
			Spec: domain.Spec{
				Mode:  domain.ModeBlueGreen,
				Nodes: 2,
				Check: domain.Check{
					MinNodes: 1,
					Attempts: 10,
					Timeout:  "10s",
				},
				Stop: domain.Stop{
					Timeout:      "30s",
					CheckRetries: 10,
				},
			},
		},
	}
}

func templateDefaults() domain.Template {
	enabled := true
	return domain.Template{
		Enabled:  &enabled,
		Priority: 1,
		Args: domain.TemplateArgs{
			Environment: map[string]string{},
		},
	}
}

func upstreamDefaults() domain.Upstream {
	return domain.Upstream{
		Mode:   DefaultUpstreamMode,
		Health: domain.UpstreamHealth{Timeout: DefaultUpstreamHealthTimeout},
		TTL:    DefaultUpstreamTTL,
	}
}
