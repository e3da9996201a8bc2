package store

// Agent actual-state status values.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// Supported runtime frameworks.
const (
	FrameworkElizaOS  = "elizaos"
	FrameworkOpenClaw = "openclaw"
	FrameworkPicoClaw = "picoclaw"
)
