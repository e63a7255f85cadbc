// Package store holds the platform records this service reads and writes and
// the three backends that persist them: Postgres (default), MongoDB, and an
// in-memory store for local runs and tests.
//
// Users and groups belong to the platform; this service only reads them, apart
// from two narrow writes: a user's resolved Discord member id and a group's
// chat channel refs. Provisioning records are owned by this service.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point lookups that match nothing.
var ErrNotFound = errors.New("not found")

// User is a platform user.
type User struct {
	ID         string
	Name       string
	ChatHandle string
	// ChatMemberID is the Discord user id, stored after the first successful resolution.
	ChatMemberID string
}

// Group is a platform group. ChatChannelRefs stays empty until both channels exist.
type Group struct {
	ID              string
	Title           string
	ChatChannelRefs []string
}

// HasChat reports whether the group has a provisioned channel pair.
func (g Group) HasChat() bool { return len(g.ChatChannelRefs) > 0 }

// ProvisionState is a step of the per-group provisioning state machine.
type ProvisionState string

const (
	StatePending         ProvisionState = "pending"
	StateRoleCreated     ProvisionState = "role_created"
	StateChannelsCreated ProvisionState = "channels_created"
	StateComplete        ProvisionState = "complete"
	StateFailed          ProvisionState = "failed"
)

// Terminal reports whether reconciliation should leave the record alone.
func (s ProvisionState) Terminal() bool { return s == StateComplete || s == StateFailed }

// ProvisionRecord tracks provisioning of one group and maps the group to its role.
type ProvisionRecord struct {
	GroupID        string
	Title          string
	State          ProvisionState
	RoleID         string
	RoleCreated    bool // role was created by us, not adopted by name
	TextChannelID  string
	VoiceChannelID string
	Attempts       int
	LastError      string
	UpdatedAt      time.Time
}

// UserStore is the read side of the platform user store.
type UserStore interface {
	// GetUserByChatHandle returns (nil, nil) when no user carries the handle.
	GetUserByChatHandle(ctx context.Context, handle string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	SetChatMemberID(ctx context.Context, userID, memberID string) error
}

// GroupStore is the platform group store.
type GroupStore interface {
	GetGroup(ctx context.Context, id string) (*Group, error)
	GetGroupsByUserID(ctx context.Context, userID string) ([]Group, error)
	// SetChatChannelRefs replaces the group's refs in a single atomic write.
	SetChatChannelRefs(ctx context.Context, groupID string, refs []string) error
}

// RecordStore persists provisioning records.
type RecordStore interface {
	// GetRecord returns (nil, nil) when the group was never provisioned.
	GetRecord(ctx context.Context, groupID string) (*ProvisionRecord, error)
	SaveRecord(ctx context.Context, rec ProvisionRecord) error
	// ListPending returns records that are neither complete nor failed.
	ListPending(ctx context.Context) ([]ProvisionRecord, error)
	CountByState(ctx context.Context) (map[ProvisionState]int, error)
}

// Backend bundles the three stores of one persistence backend.
type Backend interface {
	UserStore
	GroupStore
	RecordStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
