package spkg

// State is a position in the per-invocation build state machine.
type State int

const (
	StateStart State = iota
	StateEnvChecked
	StateSourceReady
	StatePatched
	StateBuilt
	StateInstalled
	StatePackaged
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateStart:       "START",
	StateEnvChecked:  "ENV_CHECKED",
	StateSourceReady: "SOURCE_READY",
	StatePatched:     "PATCHED",
	StateBuilt:       "BUILT",
	StateInstalled:   "INSTALLED",
	StatePackaged:    "PACKAGED",
	StateDone:        "DONE",
	StateFailed:      "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// next lists the legal forward transitions. FAILED is reachable from any
// non-terminal state and is not listed.
var next = map[State][]State{
	StateStart:       {StateEnvChecked},
	StateEnvChecked:  {StateSourceReady},
	StateSourceReady: {StatePatched},
	StatePatched:     {StateBuilt},
	StateBuilt:       {StateInstalled},
	StateInstalled:   {StatePackaged, StateDone},
	StatePackaged:    {StateDone},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}
