package chat

import (
	"context"

	"github.com/bwmarrin/discordgo"
)

// ChannelKind distinguishes the two channel flavours a group gets.
type ChannelKind int

const (
	ChannelText ChannelKind = iota
	ChannelVoice
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelText:
		return "text"
	case ChannelVoice:
		return "voice"
	default:
		return "unknown"
	}
}

// PrincipalKind is the target type of a permission overwrite.
type PrincipalKind int

const (
	PrincipalRole PrincipalKind = iota
	PrincipalMember
)

// Permission bits used by the provisioner. Values follow the Discord API.
const (
	PermViewChannel        int64 = discordgo.PermissionViewChannel
	PermSendMessages       int64 = discordgo.PermissionSendMessages
	PermReadMessageHistory int64 = discordgo.PermissionReadMessageHistory
	PermSendTTSMessages    int64 = discordgo.PermissionSendTTSMessages
	PermConnect            int64 = discordgo.PermissionVoiceConnect
	PermSpeak              int64 = discordgo.PermissionVoiceSpeak
	PermAdministrator      int64 = discordgo.PermissionAdministrator
)

// Role is a guild role as seen by this service.
type Role struct {
	ID   string
	Name string
}

// RoleSpec describes a role to create.
type RoleSpec struct {
	Name        string
	Color       int
	Mentionable bool
	Permissions int64
}

// Channel is a guild channel created by this service.
type Channel struct {
	ID   string
	Name string
	Kind ChannelKind
}

// Member is a guild member. Never cache it: ids are stable, names are not.
type Member struct {
	ID            string
	Username      string
	Discriminator string
}

// Handle returns the composite username#discriminator key.
func (m Member) Handle() string { return m.Username + "#" + m.Discriminator }

// Overwrite is a single permission overwrite on a channel.
type Overwrite struct {
	PrincipalID string
	Kind        PrincipalKind
	Allow       int64
	Deny        int64
}

// Session is the connected capability against the one managed guild.
// Lookups return (nil, nil) when nothing matches.
type Session interface {
	GuildID() string
	// EveryoneID is the id of the guild's default (@everyone) principal.
	EveryoneID() string

	FindRoleByName(ctx context.Context, name string) (*Role, error)
	RoleByID(ctx context.Context, id string) (*Role, error)
	CreateRole(ctx context.Context, spec RoleSpec) (*Role, error)
	DeleteRole(ctx context.Context, id string) error

	CreateChannel(ctx context.Context, name string, kind ChannelKind) (*Channel, error)
	DeleteChannel(ctx context.Context, id string) error
	SetPermissionOverwrite(ctx context.Context, channelID string, ow Overwrite) error

	FindMemberByHandle(ctx context.Context, username, discriminator string) (*Member, error)
	MemberByID(ctx context.Context, id string) (*Member, error)
	AssignRole(ctx context.Context, memberID, roleID string) error
	SendDirectMessage(ctx context.Context, memberID, content string) error
}

// JoinHandler receives members joining the managed guild.
type JoinHandler func(ctx context.Context, m Member)
