package domain

// Phase is a rollout lifecycle phase.
type Phase string

const (
	PhasePending           Phase = "Pending"
	PhaseArtifactReady     Phase = "ArtifactReady"
	PhaseCandidateDeployed Phase = "CandidateDeployed"
	PhaseValidated         Phase = "Validated"
	PhaseBenchmarked       Phase = "Benchmarked"
	PhaseSwitched          Phase = "Switched"
	PhaseRolledBack        Phase = "RolledBack"
	PhaseFailed            Phase = "Failed"
	PhaseAborted           Phase = "Aborted"
)

// PhaseOrder is the order in which a successful rollout visits phases.
var PhaseOrder = []Phase{
	PhasePending,
	PhaseArtifactReady,
	PhaseCandidateDeployed,
	PhaseValidated,
	PhaseBenchmarked,
	PhaseSwitched,
}

var transitions = map[Phase][]Phase{
	PhasePending:           {PhaseArtifactReady, PhaseFailed, PhaseAborted},
	PhaseArtifactReady:     {PhaseCandidateDeployed, PhaseFailed, PhaseAborted},
	PhaseCandidateDeployed: {PhaseValidated, PhaseRolledBack, PhaseFailed, PhaseAborted},
	PhaseValidated:         {PhaseBenchmarked, PhaseFailed, PhaseAborted},
	PhaseBenchmarked:       {PhaseSwitched, PhaseRolledBack, PhaseFailed, PhaseAborted},
}

func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseSwitched, PhaseRolledBack, PhaseFailed, PhaseAborted:
		return true
	}
	return false
}

// CanTransition reports whether the state machine may move from one phase
// to the other. Terminal phases have no outgoing transitions.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}
