package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/samber/lo"
)

const (
	defaultCallTimeout = 10 * time.Second
	memberPageSize     = 1000
	guildPageSize      = 200
)

// Options configures Connect.
type Options struct {
	Token       string
	GuildID     string
	CallTimeout time.Duration
}

// DiscordSession implements Session on top of discordgo.
type DiscordSession struct {
	dg          *discordgo.Session
	guildID     string
	callTimeout time.Duration
}

var _ Session = (*DiscordSession)(nil)

// Connect authenticates with the bot token, selects the managed guild and opens
// the gateway. Token problems are reported as *AuthError.
func Connect(ctx context.Context, opts Options) (*DiscordSession, error) {
	if opts.Token == "" {
		return nil, &AuthError{Err: errors.New("empty bot token")}
	}
	dg, err := discordgo.New("Bot " + opts.Token)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers

	s := &DiscordSession{dg: dg, callTimeout: opts.CallTimeout}
	if s.callTimeout <= 0 {
		s.callTimeout = defaultCallTimeout
	}

	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	me, err := dg.User("@me", discordgo.WithContext(cctx))
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	guilds, err := dg.UserGuilds(guildPageSize, "", "", false, discordgo.WithContext(cctx))
	if err != nil {
		return nil, fmt.Errorf("list bot guilds: %w", err)
	}
	s.guildID, err = selectGuild(lo.Map(guilds, func(g *discordgo.UserGuild, _ int) string { return g.ID }), opts.GuildID)
	if err != nil {
		return nil, err
	}

	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("open discord gateway: %w", err)
	}
	slog.Info("discord session connected", slog.String("bot", me.Username), slog.String("guild_id", s.guildID), slog.String("component", "chat"))
	return s, nil
}

// selectGuild picks the managed guild among the ids visible to the bot.
func selectGuild(visible []string, configured string) (string, error) {
	if configured != "" {
		if lo.Contains(visible, configured) {
			return configured, nil
		}
		return "", fmt.Errorf("%w: %s", ErrGuildNotFound, configured)
	}
	switch len(visible) {
	case 0:
		return "", ErrGuildNotFound
	case 1:
		return visible[0], nil
	default:
		return "", fmt.Errorf("%w (%d visible)", ErrAmbiguousGuild, len(visible))
	}
}

func (s *DiscordSession) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

// Close closes the gateway connection.
func (s *DiscordSession) Close() error { return s.dg.Close() }

func (s *DiscordSession) GuildID() string { return s.guildID }

func (s *DiscordSession) EveryoneID() string { return s.guildID }

// OnMemberJoin registers h for members joining the managed guild. discordgo
// runs each handler call on its own goroutine, so joins never block each other.
func (s *DiscordSession) OnMemberJoin(ctx context.Context, h JoinHandler) (remove func()) {
	return s.dg.AddHandler(func(_ *discordgo.Session, ev *discordgo.GuildMemberAdd) {
		if ev.Member == nil || ev.User == nil || ev.GuildID != s.guildID {
			return
		}
		h(ctx, toMember(ev.Member))
	})
}

func (s *DiscordSession) roles(ctx context.Context) ([]*discordgo.Role, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	return s.dg.GuildRoles(s.guildID, discordgo.WithContext(cctx))
}

func (s *DiscordSession) FindRoleByName(ctx context.Context, name string) (*Role, error) {
	roles, err := s.roles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	r, ok := lo.Find(roles, func(r *discordgo.Role) bool { return r.Name == name })
	if !ok {
		return nil, nil
	}
	return &Role{ID: r.ID, Name: r.Name}, nil
}

func (s *DiscordSession) RoleByID(ctx context.Context, id string) (*Role, error) {
	roles, err := s.roles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	r, ok := lo.Find(roles, func(r *discordgo.Role) bool { return r.ID == id })
	if !ok {
		return nil, nil
	}
	return &Role{ID: r.ID, Name: r.Name}, nil
}

func (s *DiscordSession) CreateRole(ctx context.Context, spec RoleSpec) (*Role, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	r, err := s.dg.GuildRoleCreate(s.guildID, &discordgo.RoleParams{
		Name:        spec.Name,
		Color:       lo.ToPtr(spec.Color),
		Mentionable: lo.ToPtr(spec.Mentionable),
		Permissions: lo.ToPtr(spec.Permissions),
	}, discordgo.WithContext(cctx))
	if err != nil {
		return nil, err
	}
	return &Role{ID: r.ID, Name: r.Name}, nil
}

func (s *DiscordSession) DeleteRole(ctx context.Context, id string) error {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	err := s.dg.GuildRoleDelete(s.guildID, id, discordgo.WithContext(cctx))
	if isNotFound(err) {
		return nil
	}
	return err
}

func (s *DiscordSession) CreateChannel(ctx context.Context, name string, kind ChannelKind) (*Channel, error) {
	ctype := discordgo.ChannelTypeGuildText
	if kind == ChannelVoice {
		ctype = discordgo.ChannelTypeGuildVoice
	}
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	ch, err := s.dg.GuildChannelCreate(s.guildID, name, ctype, discordgo.WithContext(cctx))
	if err != nil {
		return nil, err
	}
	return &Channel{ID: ch.ID, Name: ch.Name, Kind: kind}, nil
}

func (s *DiscordSession) DeleteChannel(ctx context.Context, id string) error {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	_, err := s.dg.ChannelDelete(id, discordgo.WithContext(cctx))
	if isNotFound(err) {
		return nil
	}
	return err
}

func (s *DiscordSession) SetPermissionOverwrite(ctx context.Context, channelID string, ow Overwrite) error {
	target := discordgo.PermissionOverwriteTypeRole
	if ow.Kind == PrincipalMember {
		target = discordgo.PermissionOverwriteTypeMember
	}
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	return s.dg.ChannelPermissionSet(channelID, ow.PrincipalID, target, ow.Allow, ow.Deny, discordgo.WithContext(cctx))
}

// FindMemberByHandle walks the guild member list page by page. It is
// O(member count) and only runs on discrete join or grant events.
func (s *DiscordSession) FindMemberByHandle(ctx context.Context, username, discriminator string) (*Member, error) {
	after := ""
	for {
		cctx, cancel := s.callCtx(ctx)
		page, err := s.dg.GuildMembers(s.guildID, after, memberPageSize, discordgo.WithContext(cctx))
		cancel()
		if err != nil {
			return nil, fmt.Errorf("list members: %w", err)
		}
		for _, m := range page {
			if m != nil && m.User != nil && m.User.Username == username && m.User.Discriminator == discriminator {
				found := toMember(m)
				return &found, nil
			}
		}
		if len(page) < memberPageSize {
			return nil, nil
		}
		after = pageCursor(page)
		if after == "" {
			return nil, nil
		}
	}
}

// pageCursor returns the id of the last member in page that carries a user.
func pageCursor(page []*discordgo.Member) string {
	for i := len(page) - 1; i >= 0; i-- {
		if page[i] != nil && page[i].User != nil {
			return page[i].User.ID
		}
	}
	return ""
}

func (s *DiscordSession) MemberByID(ctx context.Context, id string) (*Member, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	m, err := s.dg.GuildMember(s.guildID, id, discordgo.WithContext(cctx))
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	found := toMember(m)
	return &found, nil
}

func (s *DiscordSession) AssignRole(ctx context.Context, memberID, roleID string) error {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	return s.dg.GuildMemberRoleAdd(s.guildID, memberID, roleID, discordgo.WithContext(cctx))
}

func (s *DiscordSession) SendDirectMessage(ctx context.Context, memberID, content string) error {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	dm, err := s.dg.UserChannelCreate(memberID, discordgo.WithContext(cctx))
	if err != nil {
		return fmt.Errorf("open dm channel: %w", err)
	}
	_, err = s.dg.ChannelMessageSend(dm.ID, content, discordgo.WithContext(cctx))
	return err
}

func toMember(m *discordgo.Member) Member {
	return Member{ID: m.User.ID, Username: m.User.Username, Discriminator: m.User.Discriminator}
}
