package refresh

// State is a step of a refresh cycle. Cycles move forward only.
type State int

const (
	StateIdle State = iota
	StateFetchingMessages
	StateExtracting
	StateResolvingIssues
	StateAggregating
	StatePersistingConnections
	StateMarkingProcessed
	StateUpdatingProfile
	StateDone
	StateAborted
)

var stateNames = [...]string{
	StateIdle:                  "idle",
	StateFetchingMessages:      "fetching_messages",
	StateExtracting:            "extracting",
	StateResolvingIssues:       "resolving_issues",
	StateAggregating:           "aggregating",
	StatePersistingConnections: "persisting_connections",
	StateMarkingProcessed:      "marking_processed",
	StateUpdatingProfile:       "updating_profile",
	StateDone:                  "done",
	StateAborted:               "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
