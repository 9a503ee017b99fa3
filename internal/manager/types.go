package manager

// State is the lifecycle state of the inference session.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateFailed   State = "failed"
)

// Snapshot is a read-only projection of the session state.
type Snapshot struct {
	State          State
	LoadedFilename string
	Err            string
}
