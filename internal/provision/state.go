package provision

// State is a position in the run lifecycle.
type State string

const (
	StateCreated           State = "created"
	StateWaitingResponsive State = "waiting_responsive"
	StateSnapshotting      State = "snapshotting"
	StateInstalling        State = "installing"
	StateStagingLocalRepo  State = "staging_local_repo"
	StateCreatingUser      State = "creating_user"
	StateSuccess           State = "success"
	StateRollingBack       State = "rolling_back"
	StateRolledBack        State = "rolled_back"
	StateDestroyed         State = "destroyed"
	StateDestroyFailed     State = "destroy_failed"
	StateAborted           State = "aborted"
)

var transitions = map[State][]State{
	StateCreated:           {StateWaitingResponsive, StateAborted},
	StateWaitingResponsive: {StateSnapshotting, StateAborted},
	StateSnapshotting:      {StateInstalling, StateAborted},
	StateInstalling:        {StateStagingLocalRepo, StateRollingBack},
	StateStagingLocalRepo:  {StateCreatingUser, StateRollingBack},
	StateCreatingUser:      {StateSuccess, StateRollingBack},
	StateRollingBack:       {StateRolledBack, StateDestroyed, StateDestroyFailed},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// Mutated reports whether the guest may have been changed by the time a run
// reached s. Only mutated runs are eligible for rollback.
func (s State) Mutated() bool {
	switch s {
	case StateInstalling, StateStagingLocalRepo, StateCreatingUser, StateSuccess, StateRollingBack, StateRolledBack, StateDestroyed, StateDestroyFailed:
		return true
	default:
		return false
	}
}
