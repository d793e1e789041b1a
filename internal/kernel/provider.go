package kernel

// Provider is the external execution backend consumed by a Session. The
// contract is deliberately explicit: a backend that cannot supply all of it
// is rejected at connect time rather than degrading call by call.
//
// Execute submits code and returns once the backend has accepted it;
// resulting messages stream asynchronously to onMessage, possibly from other
// goroutines, and may keep arriving after the terminal status.
type Provider interface {
	Execute(code string, onMessage func(Message)) error
	// Interrupt asks the backend to interrupt the running execution. It does
	// not terminate the call by itself.
	Interrupt() error
	// Restart restarts the backend and reports completion through onDone.
	Restart(onDone func(error))
	// Shutdown terminates the backend permanently.
	Shutdown() error
	// Destroy releases transport resources. No callbacks fire afterwards.
	Destroy()
}
