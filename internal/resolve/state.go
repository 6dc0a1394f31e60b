package resolve

import "streamwalk/internal/media"

// State is a step of the per-request state machine:
// Pending -> TryingProvider(i) -> Success | ProviderFailed -> ... -> AllFailed -> Done.
type State int

const (
	Pending State = iota
	TryingProvider
	Success
	ProviderFailed
	AllFailed
	Done
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case TryingProvider:
		return "TryingProvider"
	case Success:
		return "Success"
	case ProviderFailed:
		return "ProviderFailed"
	case AllFailed:
		return "AllProvidersFailed"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// Transition is one state change. Index is the provider's position in the
// candidate list, -1 for request level states.
type Transition struct {
	State      State
	Request    media.ContentRequest
	ProviderID string
	Index      int
	Result     *media.ResolutionResult
	Err        error
}

// Observer is called synchronously on every transition. It must not block.
type Observer func(Transition)
