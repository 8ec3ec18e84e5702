package ephemeral

import "github.com/cgwalters/bcvk/internal/credentials"

// Status is the simple state machine spec.md §3 defines for a running
// ephemeral instance.
type Status int

const (
	StatusSpawning Status = iota
	StatusRunning
	StatusExiting
	StatusExited
)

func (s Status) String() string {
	switch s {
	case StatusSpawning:
		return "spawning"
	case StatusRunning:
		return "running"
	case StatusExiting:
		return "exiting"
	case StatusExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Instance is the tuple spec.md §3 names: container-id, run-request,
// optional generated keypair, the credential bundle, and status. The
// container-id is the sole external handle — every further operation
// looks the instance up through the container runtime, never through
// local state.
type Instance struct {
	ContainerID     string
	Request         RunRequest
	GeneratedKeyPEM []byte // empty unless RunRequest.GenerateKeypair
	PrivateKeyPath  string
	Credentials     []credentials.Credential
	Status          Status
	ExitCode        int
}
