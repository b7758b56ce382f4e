package stream

// State is the connection state reported to consumers.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its lowercase name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a snapshot of the connection.
type Status struct {
	State     State  `json:"state"`
	Attempt   int    `json:"attempt"`
	LastError string `json:"last_error,omitempty"`
}

type event int

const (
	evConnect event = iota
	evTimerFired
	evOpen
	evDialFailed
	evClosed
	evDisconnect
	evSchedule
)

func (e event) String() string {
	switch e {
	case evConnect:
		return "connect"
	case evTimerFired:
		return "timer_fired"
	case evOpen:
		return "open"
	case evDialFailed:
		return "dial_failed"
	case evClosed:
		return "closed"
	case evDisconnect:
		return "disconnect"
	case evSchedule:
		return "schedule"
	default:
		return "unknown"
	}
}

// transition is the only place the connection state changes. It returns the
// next status and whether the event applies in the current state; an event
// that does not apply leaves the status untouched.
func transition(s Status, ev event, maxAttempts int) (Status, bool) {
	switch ev {
	case evConnect:
		if s.State != Disconnected && s.State != Reconnecting {
			return s, false
		}
		if s.Attempt >= maxAttempts {
			s.Attempt = 0
		}
		s.State = Connecting
		return s, true

	case evTimerFired:
		if s.State != Reconnecting {
			return s, false
		}
		s.State = Connecting
		return s, true

	case evOpen:
		if s.State != Connecting {
			return s, false
		}
		return Status{State: Connected}, true

	case evDialFailed:
		if s.State != Connecting {
			return s, false
		}
		s.State = Disconnected
		return s, true

	case evClosed:
		if s.State != Connected {
			return s, false
		}
		s.State = Disconnected
		return s, true

	case evDisconnect:
		return Status{State: Disconnected, LastError: s.LastError}, true

	case evSchedule:
		if s.State != Disconnected || s.Attempt >= maxAttempts {
			return s, false
		}
		s.State = Reconnecting
		s.Attempt++
		return s, true
	}
	return s, false
}
