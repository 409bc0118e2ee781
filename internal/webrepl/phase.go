package webrepl

// Phase is what the session is currently waiting for. It drives presentation
// only; no protocol decision depends on it.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseAwaitingPrompt
	PhaseAwaitingEcho
	PhaseAwaitingResult
	PhaseInterrupting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseAwaitingPrompt:
		return "awaiting-prompt"
	case PhaseAwaitingEcho:
		return "awaiting-echo"
	case PhaseAwaitingResult:
		return "awaiting-result"
	case PhaseInterrupting:
		return "interrupting"
	default:
		return "unknown"
	}
}
