package consumer

// State is the worker's position in its fetch/process/ack cycle.
type State int32

// Worker states
const (
	StateIdle State = iota
	StateFetching
	StateProcessing
	StateAckOrRetry
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	case StateAckOrRetry:
		return "ack_or_retry"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
