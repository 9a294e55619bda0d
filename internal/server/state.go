package server

// State is the lifecycle state of a Server.
type State int

const (
	Stopped State = iota
	Running
	Stopping
	Destroyed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Status is the outcome of a successful Start.
type Status int

const (
	// StatusStarted means the bridge was launched by this call.
	StatusStarted Status = iota
	// StatusAlreadyRunning means the server was already running and the
	// call changed nothing.
	StatusAlreadyRunning
)

func (s Status) String() string {
	if s == StatusAlreadyRunning {
		return "already running"
	}
	return "started"
}
