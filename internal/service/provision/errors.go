package provision

import "errors"

var (
	// ErrProvisioningFailed is returned when a user's provisioning ended in error.
	ErrProvisioningFailed = errors.New("provision: provisioning failed")
	// ErrProvisioningTimeout is returned when polling exhausts its attempt budget.
	ErrProvisioningTimeout = errors.New("provision: timed out waiting for provisioning")
	// ErrProvisioningPending is returned when artifacts are needed before they exist.
	ErrProvisioningPending = errors.New("provision: provisioning not complete")
	// ErrArtifactMissing is returned when a completed user lacks the requested kind.
	ErrArtifactMissing = errors.New("provision: artifact missing")
	// ErrProvisioningSuperseded is returned when the user left pending while
	// the task was still running.
	ErrProvisioningSuperseded = errors.New("provision: provisioning superseded")
	// ErrQueueFull is returned when the work queue cannot accept another job.
	ErrQueueFull = errors.New("provision: queue full")
	// ErrQueueClosed is returned after Stop.
	ErrQueueClosed = errors.New("provision: queue closed")
)
