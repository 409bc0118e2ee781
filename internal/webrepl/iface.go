package webrepl

// Transport is the duplex channel a Session runs over. Text and binary
// messages arrive in delivery order from ReadMessage, which is only ever
// called from the session's reader goroutine.
type Transport interface {
	ReadMessage() (binary bool, data []byte, err error)
	WriteText(text string) error
	WriteBinary(data []byte) error
	Close() error
}

// LineSink receives every trimmed line (or matched partial prompt) the
// device sends, together with the phase the session was in at the time.
type LineSink func(line string, phase Phase)

// PhaseHook is told about every phase change, including the restore to the
// previous phase when a wait completes.
type PhaseHook func(phase Phase)
