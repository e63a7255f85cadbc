// Package membership grants Discord roles to members according to their
// platform group memberships.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/guildsync/chat"
	"github.com/onnwee/guildsync/identity"
	"github.com/onnwee/guildsync/store"
	"github.com/onnwee/guildsync/telemetry"
)

// Direct messages sent to members the platform cannot place.
const (
	MsgRegisterFirst = "Hello!\nPlease register on the matchmaking platform and add your Discord handle to your profile, in order to join a channel!\nThank you"
	MsgJoinGroup     = "Hello!\nPlease join a group on the matchmaking platform, in order to join a channel!\nThank you"
)

const defaultFanout = 4

var (
	// ErrRoleNotFound means the group has channels but its role is gone.
	ErrRoleNotFound = errors.New("group role not found")
	// ErrGroupNotProvisioned means the group has no chat channels yet.
	ErrGroupNotProvisioned = errors.New("group has no chat channels")
)

// RoleAssignmentError is one failed grant. It never aborts sibling grants.
type RoleAssignmentError struct {
	GroupID  string
	MemberID string
	Err      error
}

func (e *RoleAssignmentError) Error() string {
	return fmt.Sprintf("assign role of group %s to member %s: %v", e.GroupID, e.MemberID, e.Err)
}

func (e *RoleAssignmentError) Unwrap() error { return e.Err }

// Outcome summarises how a member join was handled.
type Outcome string

const (
	OutcomeUnregistered Outcome = "unregistered"
	OutcomeNoGroups     Outcome = "no_groups"
	OutcomeSynced       Outcome = "synced"
	OutcomeError        Outcome = "error"
)

// GroupResult is the grant of one group's role.
type GroupResult struct {
	GroupID string
	RoleID  string
	Err     error
}

// Result is returned by HandleJoin.
type Result struct {
	Outcome Outcome
	UserID  string
	Groups  []GroupResult
	Err     error // set with OutcomeError
}

// Failed returns the groups whose grant failed.
func (r Result) Failed() []GroupResult {
	return lo.Filter(r.Groups, func(g GroupResult, _ int) bool { return g.Err != nil })
}

// RoleMapper returns the role id recorded for a group ("" when none).
type RoleMapper interface {
	RoleFor(ctx context.Context, groupID string) (string, error)
}

// Options tunes the synchronizer.
type Options struct {
	// FanoutLimit bounds concurrent role assignments for one member.
	FanoutLimit int
}

// Synchronizer reacts to members joining the guild and to users joining groups.
type Synchronizer struct {
	session  chat.Session
	users    store.UserStore
	groups   store.GroupStore
	roles    RoleMapper
	resolver *identity.Resolver
	fanout   int
}

// New returns a Synchronizer.
func New(session chat.Session, users store.UserStore, groups store.GroupStore, roles RoleMapper, opts Options) *Synchronizer {
	if opts.FanoutLimit <= 0 {
		opts.FanoutLimit = defaultFanout
	}
	return &Synchronizer{
		session:  session,
		users:    users,
		groups:   groups,
		roles:    roles,
		resolver: identity.NewResolver(session),
		fanout:   opts.FanoutLimit,
	}
}

// HandleJoin grants a newly joined member the role of every group their
// platform user belongs to. Members without an account or without groups get
// a direct message instead.
func (s *Synchronizer) HandleJoin(ctx context.Context, m chat.Member) (res Result) {
	handle := identity.HandleOf(m).String()
	ctx, span := telemetry.StartSpan(ctx, "membership.join", attribute.String("member_id", m.ID))
	defer func() {
		telemetry.IncMemberJoin(string(res.Outcome))
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
		telemetry.EndSpan(span, res.Err)
	}()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("member_id", m.ID), slog.String("handle", handle), slog.String("component", "membership"))

	user, err := s.users.GetUserByChatHandle(ctx, handle)
	if err != nil {
		log.Error("user lookup failed", slog.Any("err", err))
		return Result{Outcome: OutcomeError, Err: err}
	}
	if user == nil {
		log.Info("member has no platform account")
		s.notify(ctx, log, m.ID, MsgRegisterFirst)
		return Result{Outcome: OutcomeUnregistered}
	}
	log = log.With(slog.String("user_id", user.ID))

	if user.ChatMemberID != m.ID {
		if err := s.users.SetChatMemberID(ctx, user.ID, m.ID); err != nil {
			log.Warn("failed to store chat member id", slog.Any("err", err))
		}
	}

	groups, err := s.groups.GetGroupsByUserID(ctx, user.ID)
	if err != nil {
		log.Error("group lookup failed", slog.Any("err", err))
		return Result{Outcome: OutcomeError, UserID: user.ID, Err: err}
	}
	if len(groups) == 0 {
		log.Info("platform user is in no group")
		s.notify(ctx, log, m.ID, MsgJoinGroup)
		return Result{Outcome: OutcomeNoGroups, UserID: user.ID}
	}

	withChat := lo.Filter(groups, func(g store.Group, _ int) bool { return g.HasChat() })
	res = Result{Outcome: OutcomeSynced, UserID: user.ID, Groups: s.assignAll(ctx, m.ID, withChat)}
	failed := res.Failed()
	for _, r := range failed {
		log.Warn("role assignment failed", slog.String("group_id", r.GroupID), slog.Any("err", r.Err))
	}
	log.Info("member synced", slog.Int("groups", len(groups)), slog.Int("assigned", len(res.Groups)-len(failed)))
	return res
}

// assignAll grants every group's role concurrently, bounded by the fan-out
// limit. Each goroutine reports into its own slot and never fails the group.
func (s *Synchronizer) assignAll(ctx context.Context, memberID string, groups []store.Group) []GroupResult {
	results := make([]GroupResult, len(groups))
	var eg errgroup.Group
	eg.SetLimit(s.fanout)
	for i, g := range groups {
		eg.Go(func() error {
			roleID, err := s.assign(ctx, memberID, g.ID)
			results[i] = GroupResult{GroupID: g.ID, RoleID: roleID, Err: err}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// assign resolves the group's role right before granting it: the mapped id
// when it still exists, else the role named after the group.
func (s *Synchronizer) assign(ctx context.Context, memberID, groupID string) (string, error) {
	roleID, err := s.resolveRole(ctx, groupID)
	if err == nil {
		err = s.session.AssignRole(ctx, memberID, roleID)
	}
	if err != nil {
		telemetry.IncRoleAssignment(telemetry.OutcomeFailed)
		return roleID, &RoleAssignmentError{GroupID: groupID, MemberID: memberID, Err: err}
	}
	telemetry.IncRoleAssignment(telemetry.OutcomeSuccess)
	return roleID, nil
}

func (s *Synchronizer) resolveRole(ctx context.Context, groupID string) (string, error) {
	if s.roles != nil {
		mapped, err := s.roles.RoleFor(ctx, groupID)
		if err != nil {
			return "", fmt.Errorf("role mapping: %w", err)
		}
		if mapped != "" {
			r, err := s.session.RoleByID(ctx, mapped)
			if err != nil {
				return "", err
			}
			if r != nil {
				return r.ID, nil
			}
		}
	}
	r, err := s.session.FindRoleByName(ctx, groupID)
	if err != nil {
		return "", err
	}
	if r == nil {
		return "", ErrRoleNotFound
	}
	return r.ID, nil
}

func (s *Synchronizer) notify(ctx context.Context, log *slog.Logger, memberID, msg string) {
	if err := s.session.SendDirectMessage(ctx, memberID, msg); err != nil {
		// Members often have DMs from server members disabled.
		log.Warn("direct message failed", slog.Any("err", err))
	}
}

// GrantGroup gives an existing guild member the role of a group their
// platform user just joined. The group must already have chat channels.
func (s *Synchronizer) GrantGroup(ctx context.Context, userID, groupID string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "membership.grant",
		attribute.String("user_id", userID), attribute.String("group_id", groupID))
	defer func() { telemetry.EndSpan(span, err) }()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("user_id", userID), slog.String("group_id", groupID), slog.String("component", "membership"))

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("load group: %w", err)
	}
	if !group.HasChat() {
		telemetry.IncRoleAssignment(telemetry.OutcomeSkipped)
		return fmt.Errorf("%w: %s", ErrGroupNotProvisioned, groupID)
	}

	m, fresh, err := s.resolver.ResolveUser(ctx, *user)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			log.Info("platform user is not in the guild")
		}
		return err
	}
	if fresh {
		if err := s.users.SetChatMemberID(ctx, user.ID, m.ID); err != nil {
			log.Warn("failed to store chat member id", slog.Any("err", err))
		}
	}
	roleID, err := s.assign(ctx, m.ID, groupID)
	if err != nil {
		log.Warn("role assignment failed", slog.Any("err", err))
		return err
	}
	log.Info("member granted group role", slog.String("member_id", m.ID), slog.String("role_id", roleID))
	return nil
}
