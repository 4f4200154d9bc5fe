package domain

import "time"

// EventComponent tags every event written by this service.
const EventComponent = "deployer"

// Event types appended to the deployment history.
const (
	EventDeploymentStarted   = "DEPLOYMENT_STARTED"
	EventUnitsDeployed       = "UNITS_DEPLOYED"
	EventUnitsStarted        = "UNITS_STARTED"
	EventUpstreamsRegistered = "UPSTREAMS_REGISTERED"
	EventNodesDiscovered     = "NODES_DISCOVERED"
	EventNodesHealthy        = "NODES_HEALTHY"
	EventProxyWired          = "PROXY_WIRED"
	EventPromoted            = "PROMOTED"
	EventDeploymentFailed    = "DEPLOYMENT_FAILED"
	EventDecommissioned      = "DECOMMISSIONED"
	EventDeploymentDeleted   = "DEPLOYMENT_DELETED"
	EventStagePrefix         = "STAGE_"
)

// Event is an append-only history entry.
type Event struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	DeploymentID string         `json:"deployment_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Search       SearchParams   `json:"search"`
	Component    string         `json:"component"`
	Date         time.Time      `json:"date"`
}

// SearchParams index an event for lookup.
type SearchParams struct {
	Name     string    `json:"name,omitempty"`
	Version  string    `json:"version,omitempty"`
	Cluster  string    `json:"cluster,omitempty"`
	MetaInfo *MetaInfo `json:"meta-info,omitempty"`
}

// SearchParamsFor derives search params from a deployment.
func SearchParamsFor(d Deployment) SearchParams {
	return SearchParams{
		Name:     d.Spec.Name,
		Version:  d.Spec.Version,
		Cluster:  d.Cluster,
		MetaInfo: d.MetaInfo,
	}
}
