package ipc

// A worker reports the outcome of its startup on the first stdout line,
// before any client can connect.
const (
	ReadyToken  = "SCANBRIDGE-WORKER-READY"
	FailedToken = "SCANBRIDGE-WORKER-FAILED"

	// EnvParentPoll tells a worker how often to check its parent is alive.
	EnvParentPoll = "SCANBRIDGE_PARENT_POLL"
)
