package recorder

// State is the lifecycle state of a recording session.
type State int

const (
	Idle State = iota
	Recording
	Paused
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is a user or device action applied to a State.
type Event int

const (
	EventStart Event = iota
	EventPause
	EventResume
	EventStop
	EventReset
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventPause:
		return "pause"
	case EventResume:
		return "resume"
	case EventStop:
		return "stop"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Transition returns the state reached by applying e to s, and whether e is
// valid in s. Invalid events leave the state unchanged.
func Transition(s State, e Event) (State, bool) {
	switch {
	case s == Idle && e == EventStart:
		return Recording, true
	case s == Recording && e == EventPause:
		return Paused, true
	case s == Paused && e == EventResume:
		return Recording, true
	case (s == Recording || s == Paused) && e == EventStop:
		return Finished, true
	case s == Finished && e == EventReset:
		return Idle, true
	}
	return s, false
}
