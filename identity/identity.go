// Package identity maps platform users to live Discord guild members.
//
// The platform stores a composite handle, "username#discriminator". Handles
// are mutable on Discord, so a resolved member's stable id is returned to
// callers for persistence and preferred on later lookups.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/onnwee/guildsync/chat"
	"github.com/onnwee/guildsync/store"
)

var (
	// ErrInvalidHandle means a handle has no '#' or an empty side.
	ErrInvalidHandle = errors.New("invalid chat handle")
	// ErrNotFound means no live guild member matches.
	ErrNotFound = errors.New("chat member not found")
)

// Handle is a parsed username#discriminator pair.
type Handle struct {
	Username      string
	Discriminator string
}

func (h Handle) String() string { return h.Username + "#" + h.Discriminator }

// ParseHandle splits on the last '#'. Usernames may themselves contain '#'.
func ParseHandle(s string) (Handle, error) {
	i := strings.LastIndexByte(s, '#')
	if i <= 0 || i == len(s)-1 {
		return Handle{}, fmt.Errorf("%w: %q", ErrInvalidHandle, s)
	}
	return Handle{Username: s[:i], Discriminator: s[i+1:]}, nil
}

// HandleOf returns the handle of a guild member.
func HandleOf(m chat.Member) Handle {
	return Handle{Username: m.Username, Discriminator: m.Discriminator}
}

// Resolver looks members up against the managed guild. It never caches.
type Resolver struct {
	session chat.Session
}

// NewResolver returns a Resolver backed by s.
func NewResolver(s chat.Session) *Resolver { return &Resolver{session: s} }

// Resolve returns the member whose username and discriminator both match exactly.
func (r *Resolver) Resolve(ctx context.Context, handle string) (chat.Member, error) {
	h, err := ParseHandle(handle)
	if err != nil {
		return chat.Member{}, err
	}
	m, err := r.session.FindMemberByHandle(ctx, h.Username, h.Discriminator)
	if err != nil {
		return chat.Member{}, fmt.Errorf("find member %s: %w", h, err)
	}
	if m == nil {
		return chat.Member{}, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	return *m, nil
}

// ResolveUser resolves a platform user, preferring the stored member id and
// falling back to the handle when that member has left. fresh is true when
// the returned id differs from the stored one and should be persisted.
func (r *Resolver) ResolveUser(ctx context.Context, u store.User) (m chat.Member, fresh bool, err error) {
	if u.ChatMemberID != "" {
		byID, err := r.session.MemberByID(ctx, u.ChatMemberID)
		if err != nil {
			return chat.Member{}, false, fmt.Errorf("member by id %s: %w", u.ChatMemberID, err)
		}
		if byID != nil {
			return *byID, false, nil
		}
	}
	if u.ChatHandle == "" {
		return chat.Member{}, false, fmt.Errorf("%w: user %s has no chat handle", ErrNotFound, u.ID)
	}
	m, err = r.Resolve(ctx, u.ChatHandle)
	if err != nil {
		return chat.Member{}, false, err
	}
	return m, m.ID != u.ChatMemberID, nil
}
