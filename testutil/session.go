// Package testutil holds shared test fixtures: a Postgres helper and an
// in-memory chat session.
package testutil

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/onnwee/guildsync/chat"
)

// FakeGuildID is the id of the guild served by FakeSession.
const FakeGuildID = "guild-1"

// DirectMessage is a DM recorded by FakeSession.
type DirectMessage struct {
	MemberID string
	Content  string
}

type injectedFailure struct {
	err   error
	times int // <0 means forever
}

// FakeSession is an in-memory chat.Session. It records every mutation and
// can be told to fail specific operations. Safe for concurrent use.
type FakeSession struct {
	mu         sync.Mutex
	seq        int
	roles      map[string]chat.Role
	channels   map[string]chat.Channel
	members    map[string]chat.Member
	overwrites map[string][]chat.Overwrite
	assigned   map[string][]string
	dms        []DirectMessage
	calls      map[string]int
	failures   map[string]*injectedFailure
	handlers   map[int]chat.JoinHandler
	roleSpecs  map[string]chat.RoleSpec

	// CreateRoleDelay slows CreateRole down, to widen race windows in tests.
	CreateRoleDelay time.Duration
}

var _ chat.Session = (*FakeSession)(nil)

// NewFakeSession returns an empty guild.
func NewFakeSession() *FakeSession {
	return &FakeSession{
		roles:      make(map[string]chat.Role),
		channels:   make(map[string]chat.Channel),
		members:    make(map[string]chat.Member),
		overwrites: make(map[string][]chat.Overwrite),
		assigned:   make(map[string][]string),
		calls:      make(map[string]int),
		failures:   make(map[string]*injectedFailure),
		handlers:   make(map[int]chat.JoinHandler),
		roleSpecs:  make(map[string]chat.RoleSpec),
	}
}

func (f *FakeSession) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

// FailOn makes op return err for the next times calls (times < 0: always).
// op is a method name, optionally qualified: "CreateChannel:voice".
func (f *FakeSession) FailOn(op string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = &injectedFailure{err: err, times: times}
}

// ClearFailures removes every injected failure.
func (f *FakeSession) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string]*injectedFailure)
}

// hit counts a call and returns any injected failure. Caller holds mu.
func (f *FakeSession) hit(op string, qualifiers ...string) error {
	f.calls[op]++
	keys := append(lo.Map(qualifiers, func(q string, _ int) string { return op + ":" + q }), op)
	for _, k := range keys {
		fl, ok := f.failures[k]
		if !ok || fl.times == 0 {
			continue
		}
		if fl.times > 0 {
			fl.times--
		}
		return fl.err
	}
	return nil
}

// Calls returns how many times op was invoked.
func (f *FakeSession) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// AddMember puts a member in the guild.
func (f *FakeSession) AddMember(m chat.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[m.ID] = m
}

// RenameMember changes a member's username, keeping the id.
func (f *FakeSession) RenameMember(id, username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.members[id]
	m.Username = username
	f.members[id] = m
}

// AddRole puts a pre-existing role in the guild.
func (f *FakeSession) AddRole(name string) chat.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := chat.Role{ID: f.nextID("role"), Name: name}
	f.roles[r.ID] = r
	return r
}

// Roles returns the guild roles named name.
func (f *FakeSession) Roles(name string) []chat.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := lo.Filter(lo.Values(f.roles), func(r chat.Role, _ int) bool { return r.Name == name })
	slices.SortFunc(out, func(a, b chat.Role) int { return compareIDs(a.ID, b.ID) })
	return out
}

// RoleSpec returns the spec a role was created with.
func (f *FakeSession) RoleSpec(id string) (chat.RoleSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.roleSpecs[id]
	return s, ok
}

// Channels returns every channel in the guild ordered by creation.
func (f *FakeSession) Channels() []chat.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := lo.Values(f.channels)
	slices.SortFunc(out, func(a, b chat.Channel) int { return compareIDs(a.ID, b.ID) })
	return out
}

// Overwrites returns the overwrites set on a channel, in call order.
func (f *FakeSession) Overwrites(channelID string) []chat.Overwrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.overwrites[channelID])
}

// AssignedRoles returns role ids assigned to a member, in call order.
func (f *FakeSession) AssignedRoles(memberID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.assigned[memberID])
}

// DirectMessages returns every DM sent.
func (f *FakeSession) DirectMessages() []DirectMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.dms)
}

// OnMemberJoin registers h; Join delivers members to it.
func (f *FakeSession) OnMemberJoin(_ context.Context, h chat.JoinHandler) (remove func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.seq
	f.seq++
	f.handlers[id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

// Join adds m to the guild and runs the join handlers synchronously.
func (f *FakeSession) Join(ctx context.Context, m chat.Member) {
	f.mu.Lock()
	f.members[m.ID] = m
	hs := lo.Values(f.handlers)
	f.mu.Unlock()
	for _, h := range hs {
		h(ctx, m)
	}
}

func (f *FakeSession) GuildID() string { return FakeGuildID }

func (f *FakeSession) EveryoneID() string { return FakeGuildID }

func (f *FakeSession) FindRoleByName(_ context.Context, name string) (*chat.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("FindRoleByName"); err != nil {
		return nil, err
	}
	for _, r := range f.roles {
		if r.Name == name {
			found := r
			return &found, nil
		}
	}
	return nil, nil
}

func (f *FakeSession) RoleByID(_ context.Context, id string) (*chat.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("RoleByID"); err != nil {
		return nil, err
	}
	r, ok := f.roles[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (f *FakeSession) CreateRole(ctx context.Context, spec chat.RoleSpec) (*chat.Role, error) {
	if f.CreateRoleDelay > 0 {
		select {
		case <-time.After(f.CreateRoleDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("CreateRole"); err != nil {
		return nil, err
	}
	r := chat.Role{ID: f.nextID("role"), Name: spec.Name}
	f.roles[r.ID] = r
	f.roleSpecs[r.ID] = spec
	return &r, nil
}

func (f *FakeSession) DeleteRole(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("DeleteRole"); err != nil {
		return err
	}
	delete(f.roles, id)
	return nil
}

func (f *FakeSession) CreateChannel(_ context.Context, name string, kind chat.ChannelKind) (*chat.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("CreateChannel", kind.String()); err != nil {
		return nil, err
	}
	ch := chat.Channel{ID: f.nextID("chan"), Name: name, Kind: kind}
	f.channels[ch.ID] = ch
	return &ch, nil
}

func (f *FakeSession) DeleteChannel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("DeleteChannel"); err != nil {
		return err
	}
	delete(f.channels, id)
	delete(f.overwrites, id)
	return nil
}

func (f *FakeSession) SetPermissionOverwrite(_ context.Context, channelID string, ow chat.Overwrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if err := f.hit("SetPermissionOverwrite", ch.Kind.String()); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unknown channel %s", channelID)
	}
	// Setting an overwrite for the same principal replaces it.
	list := lo.Reject(f.overwrites[channelID], func(o chat.Overwrite, _ int) bool { return o.PrincipalID == ow.PrincipalID })
	f.overwrites[channelID] = append(list, ow)
	return nil
}

func (f *FakeSession) FindMemberByHandle(_ context.Context, username, discriminator string) (*chat.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("FindMemberByHandle"); err != nil {
		return nil, err
	}
	for _, m := range f.members {
		if m.Username == username && m.Discriminator == discriminator {
			found := m
			return &found, nil
		}
	}
	return nil, nil
}

func (f *FakeSession) MemberByID(_ context.Context, id string) (*chat.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("MemberByID"); err != nil {
		return nil, err
	}
	m, ok := f.members[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (f *FakeSession) AssignRole(_ context.Context, memberID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("AssignRole", roleID); err != nil {
		return err
	}
	if _, ok := f.roles[roleID]; !ok {
		return fmt.Errorf("unknown role %s", roleID)
	}
	if !lo.Contains(f.assigned[memberID], roleID) {
		f.assigned[memberID] = append(f.assigned[memberID], roleID)
	}
	return nil
}

func (f *FakeSession) SendDirectMessage(_ context.Context, memberID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("SendDirectMessage"); err != nil {
		return err
	}
	f.dms = append(f.dms, DirectMessage{MemberID: memberID, Content: content})
	return nil
}

// compareIDs orders "prefix-N" ids numerically.
func compareIDs(a, b string) int {
	if c := cmp.Compare(idSeq(a), idSeq(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

func idSeq(id string) int {
	n, _ := strconv.Atoi(id[strings.LastIndex(id, "-")+1:])
	return n
}
