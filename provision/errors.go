package provision

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest means a group id or title is empty.
	ErrInvalidRequest = errors.New("group id and title are required")
	// ErrNotProvisioned means the group has no record, or its channels do not exist yet.
	ErrNotProvisioned = errors.New("group not provisioned")
)

// RoleCreationError is returned when the group role could not be found or
// created. No channel is attempted after it.
type RoleCreationError struct {
	GroupID string
	Err     error
}

func (e *RoleCreationError) Error() string {
	return fmt.Sprintf("role for group %s: %v", e.GroupID, e.Err)
}

func (e *RoleCreationError) Unwrap() error { return e.Err }

// ChannelProvisioningError is returned when a channel or one of its
// permission overwrites failed. The role is left in place.
type ChannelProvisioningError struct {
	GroupID string
	Step    string // e.g. "create voice channel"
	Err     error
}

func (e *ChannelProvisioningError) Error() string {
	return fmt.Sprintf("channels for group %s: %s: %v", e.GroupID, e.Step, e.Err)
}

func (e *ChannelProvisioningError) Unwrap() error { return e.Err }
