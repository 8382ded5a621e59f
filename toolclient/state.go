package toolclient

// State is the connection state of the tool service session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Event drives state transitions.
type Event int

const (
	EventDial Event = iota
	EventReady
	EventDialFailed
	EventNetworkError
	EventProbeOK
	EventProbeFailed
	EventClose
)

func (e Event) String() string {
	switch e {
	case EventDial:
		return "dial"
	case EventReady:
		return "ready"
	case EventDialFailed:
		return "dial_failed"
	case EventNetworkError:
		return "network_error"
	case EventProbeOK:
		return "probe_ok"
	case EventProbeFailed:
		return "probe_failed"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Transition is the pure state function. Events that do not apply to the
// current state leave it unchanged.
func Transition(s State, e Event) State {
	if e == EventClose {
		return Disconnected
	}
	switch s {
	case Disconnected:
		if e == EventDial {
			return Connecting
		}
	case Connecting:
		switch e {
		case EventReady:
			return Connected
		case EventDialFailed:
			return Disconnected
		}
	case Connected:
		if e == EventNetworkError {
			return Degraded
		}
	case Degraded:
		switch e {
		case EventProbeOK:
			return Connected
		case EventProbeFailed:
			return Disconnected
		}
	}
	return s
}
