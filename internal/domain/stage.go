package domain

// Stage is a checkpointed step of the deployment pipeline.
type Stage string

const (
	StageLocking           Stage = "LOCKING"
	StagePreUndeploy       Stage = "PRE_UNDEPLOY"
	StageDeploying         Stage = "DEPLOYING"
	StageStarting          Stage = "STARTING"
	StageAwaitingReady     Stage = "AWAITING_READY"
	StageAwaitingDiscovery Stage = "AWAITING_DISCOVERY"
	StageHealthChecking    Stage = "HEALTH_CHECKING"
	StagePromoting         Stage = "PROMOTING"
	StageDone              Stage = "DONE"
	StageCompensating      Stage = "ERROR_COMPENSATION"
)

// EventType is the history entry written when the stage is entered.
func (s Stage) EventType() string {
	return EventStagePrefix + string(s)
}

// CanTransition reports whether a deployment may move from one state to another.
// Staying in the same state is always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch from {
	case StateNew:
		return to == StateStarted || to == StateFailed || to == StateDecommissioned
	case StateStarted:
		return to == StatePromoted || to == StateFailed || to == StateDecommissioned
	case StatePromoted:
		return to == StateDecommissioned
	}
	return false
}
