// Package provision creates the Discord role and channel pair backing a
// platform group. Progress is persisted per group as a small state machine
// (pending, role_created, channels_created, complete, or failed) so an
// interrupted run resumes where it stopped instead of duplicating objects.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/guildsync/chat"
	"github.com/onnwee/guildsync/store"
	"github.com/onnwee/guildsync/telemetry"
)

const (
	// DefaultRoleColor is red.
	DefaultRoleColor = 0xE74C3C
	// DefaultRolePermissions is the baseline guild permission set of a group role.
	// It must never include the administrator bit.
	DefaultRolePermissions int64 = 104126528

	textSuffix  = ":TEXT"
	voiceSuffix = ":VOICE"

	// provisionTimeout bounds one shared run, which outlives any single caller.
	provisionTimeout = 2 * time.Minute
)

// Role overwrites per channel kind. @everyone is denied view on both.
var roleAllow = map[chat.ChannelKind]int64{
	chat.ChannelText:  chat.PermViewChannel | chat.PermSendMessages | chat.PermReadMessageHistory | chat.PermSendTTSMessages,
	chat.ChannelVoice: chat.PermViewChannel | chat.PermConnect | chat.PermSpeak,
}

// ChannelPair is the text and voice channel of one group.
type ChannelPair struct {
	TextChannelID  string
	VoiceChannelID string
}

// Refs returns the pair in the order stored on the group: text, voice.
func (p ChannelPair) Refs() []string { return []string{p.TextChannelID, p.VoiceChannelID} }

// Options tunes the role created for each group.
type Options struct {
	RoleColor       int
	RolePermissions int64
}

// Provisioner is safe for concurrent use. Calls for the same group id inside
// one process are collapsed into a single run.
type Provisioner struct {
	session chat.Session
	records store.RecordStore
	opts    Options
	flight  singleflight.Group
}

// New returns a Provisioner. Zero options take the defaults; an
// administrator bit in RolePermissions is stripped.
func New(session chat.Session, records store.RecordStore, opts Options) *Provisioner {
	if opts.RoleColor == 0 {
		opts.RoleColor = DefaultRoleColor
	}
	if opts.RolePermissions == 0 {
		opts.RolePermissions = DefaultRolePermissions
	}
	if opts.RolePermissions&chat.PermAdministrator != 0 {
		slog.Warn("administrator bit removed from group role permissions", slog.String("component", "provision"))
		opts.RolePermissions &^= chat.PermAdministrator
	}
	return &Provisioner{session: session, records: records, opts: opts}
}

// Provision ensures the group has a role named after its id and a text and
// voice channel visible only to that role. It is idempotent: a group already
// provisioned gets its existing pair back without remote calls.
//
// A caller whose ctx ends stops waiting, but the shared run continues for the
// other callers of the same group.
func (p *Provisioner) Provision(ctx context.Context, groupID, title string) (ChannelPair, error) {
	if groupID == "" || title == "" {
		return ChannelPair{}, ErrInvalidRequest
	}
	ch := p.flight.DoChan(groupID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), provisionTimeout)
		defer cancel()
		return p.provision(fctx, groupID, title)
	})
	select {
	case <-ctx.Done():
		return ChannelPair{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ChannelPair{}, res.Err
		}
		return res.Val.(ChannelPair), nil
	}
}

func (p *Provisioner) provision(ctx context.Context, groupID, title string) (pair ChannelPair, err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "provision.group", attribute.String("group_id", groupID))
	defer func() { telemetry.EndSpan(span, err) }()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("group_id", groupID), slog.String("component", "provision"))

	rec, err := p.records.GetRecord(ctx, groupID)
	if err != nil {
		return ChannelPair{}, fmt.Errorf("load provisioning record: %w", err)
	}
	if rec == nil {
		rec = &store.ProvisionRecord{GroupID: groupID, State: store.StatePending}
	}
	if (rec.State == store.StateComplete || rec.State == store.StateChannelsCreated) &&
		rec.TextChannelID != "" && rec.VoiceChannelID != "" {
		return ChannelPair{TextChannelID: rec.TextChannelID, VoiceChannelID: rec.VoiceChannelID}, nil
	}
	if rec.State == store.StateFailed {
		log.Info("retrying previously failed group", slog.String("last_error", rec.LastError))
		rec.State = store.StatePending
	}
	// Channels are named after the title; once one exists its sibling keeps the same title.
	if rec.TextChannelID == "" && rec.VoiceChannelID == "" {
		rec.Title = title
	}
	rec.Attempts++

	if err := p.ensureRole(ctx, rec); err != nil {
		p.fail(ctx, rec, err)
		telemetry.ObserveProvision(telemetry.OutcomeRoleError, time.Since(start))
		log.Warn("role provisioning failed", slog.Any("err", err), slog.Int("attempt", rec.Attempts))
		return ChannelPair{}, err
	}
	if rec.State == store.StatePending {
		rec.State = store.StateRoleCreated
	}
	if err := p.records.SaveRecord(ctx, *rec); err != nil {
		return ChannelPair{}, fmt.Errorf("save provisioning record: %w", err)
	}

	if err := p.ensureChannels(ctx, rec); err != nil {
		p.fail(ctx, rec, err)
		telemetry.ObserveProvision(telemetry.OutcomeChannelError, time.Since(start))
		log.Warn("channel provisioning failed", slog.Any("err", err), slog.Int("attempt", rec.Attempts))
		return ChannelPair{}, err
	}

	rec.State = store.StateChannelsCreated
	rec.LastError = ""
	if err := p.records.SaveRecord(ctx, *rec); err != nil {
		return ChannelPair{}, fmt.Errorf("save provisioning record: %w", err)
	}
	telemetry.ObserveProvision(telemetry.OutcomeSuccess, time.Since(start))
	log.Info("group provisioned",
		slog.String("role_id", rec.RoleID),
		slog.String("text_channel_id", rec.TextChannelID),
		slog.String("voice_channel_id", rec.VoiceChannelID))
	return ChannelPair{TextChannelID: rec.TextChannelID, VoiceChannelID: rec.VoiceChannelID}, nil
}

// ensureRole reuses the mapped role while it exists, then adopts a role with
// the group id as name, and only then creates one.
func (p *Provisioner) ensureRole(ctx context.Context, rec *store.ProvisionRecord) error {
	if rec.RoleID != "" {
		r, err := p.session.RoleByID(ctx, rec.RoleID)
		if err != nil {
			return &RoleCreationError{GroupID: rec.GroupID, Err: err}
		}
		if r != nil {
			return nil
		}
		rec.RoleID, rec.RoleCreated = "", false
	}
	r, err := p.session.FindRoleByName(ctx, rec.GroupID)
	if err != nil {
		return &RoleCreationError{GroupID: rec.GroupID, Err: err}
	}
	if r != nil {
		rec.RoleID = r.ID
		return nil
	}
	r, err = p.session.CreateRole(ctx, chat.RoleSpec{
		Name:        rec.GroupID,
		Color:       p.opts.RoleColor,
		Mentionable: true,
		Permissions: p.opts.RolePermissions,
	})
	if err != nil {
		return &RoleCreationError{GroupID: rec.GroupID, Err: err}
	}
	rec.RoleID, rec.RoleCreated = r.ID, true
	return nil
}

// ensureChannels creates whichever channel is still missing, saving each id
// as soon as it exists, then (re)applies all overwrites.
func (p *Provisioner) ensureChannels(ctx context.Context, rec *store.ProvisionRecord) error {
	steps := []struct {
		kind chat.ChannelKind
		name string
		id   *string
	}{
		{chat.ChannelText, rec.Title + textSuffix, &rec.TextChannelID},
		{chat.ChannelVoice, rec.Title + voiceSuffix, &rec.VoiceChannelID},
	}
	for _, s := range steps {
		if *s.id != "" {
			continue
		}
		ch, err := p.session.CreateChannel(ctx, s.name, s.kind)
		if err != nil {
			return &ChannelProvisioningError{GroupID: rec.GroupID, Step: "create " + s.kind.String() + " channel", Err: err}
		}
		*s.id = ch.ID
		if err := p.records.SaveRecord(ctx, *rec); err != nil {
			return fmt.Errorf("save provisioning record: %w", err)
		}
	}
	for _, s := range steps {
		if err := p.applyOverwrites(ctx, *s.id, s.kind, rec.RoleID); err != nil {
			return &ChannelProvisioningError{GroupID: rec.GroupID, Step: "overwrite " + s.kind.String() + " channel", Err: err}
		}
	}
	return nil
}

func (p *Provisioner) applyOverwrites(ctx context.Context, channelID string, kind chat.ChannelKind, roleID string) error {
	if err := p.session.SetPermissionOverwrite(ctx, channelID, chat.Overwrite{
		PrincipalID: p.session.EveryoneID(),
		Kind:        chat.PrincipalRole,
		Deny:        chat.PermViewChannel,
	}); err != nil {
		return err
	}
	return p.session.SetPermissionOverwrite(ctx, channelID, chat.Overwrite{
		PrincipalID: roleID,
		Kind:        chat.PrincipalRole,
		Allow:       roleAllow[kind],
	})
}

// fail records cause on the record. The state is kept so the next attempt resumes.
func (p *Provisioner) fail(ctx context.Context, rec *store.ProvisionRecord, cause error) {
	rec.LastError = cause.Error()
	if err := p.records.SaveRecord(ctx, *rec); err != nil {
		slog.Error("failed to save provisioning record", slog.String("group_id", rec.GroupID), slog.Any("err", err), slog.String("component", "provision"))
	}
}

// Complete marks a group complete once its refs are persisted.
func (p *Provisioner) Complete(ctx context.Context, groupID string) error {
	rec, err := p.records.GetRecord(ctx, groupID)
	if err != nil {
		return fmt.Errorf("load provisioning record: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrNotProvisioned, groupID)
	}
	switch rec.State {
	case store.StateComplete:
		return nil
	case store.StateChannelsCreated:
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotProvisioned, groupID, rec.State)
	}
	rec.State = store.StateComplete
	rec.LastError = ""
	return p.records.SaveRecord(ctx, *rec)
}

// Compensate gives up on a group: it deletes the channels and, when this
// service created it, the role, then marks the record failed. Cleanup is best
// effort; objects that could not be deleted stay on the record.
func (p *Provisioner) Compensate(ctx context.Context, groupID, reason string) error {
	rec, err := p.records.GetRecord(ctx, groupID)
	if err != nil {
		return fmt.Errorf("load provisioning record: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrNotProvisioned, groupID)
	}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("group_id", groupID), slog.String("component", "provision"))

	var cleanup []error
	for _, id := range []*string{&rec.TextChannelID, &rec.VoiceChannelID} {
		if *id == "" {
			continue
		}
		if err := p.session.DeleteChannel(ctx, *id); err != nil {
			cleanup = append(cleanup, fmt.Errorf("delete channel %s: %w", *id, err))
			continue
		}
		*id = ""
	}
	if rec.RoleCreated && rec.RoleID != "" {
		if err := p.session.DeleteRole(ctx, rec.RoleID); err != nil {
			cleanup = append(cleanup, fmt.Errorf("delete role %s: %w", rec.RoleID, err))
		} else {
			rec.RoleID, rec.RoleCreated = "", false
		}
	}
	if err := errors.Join(cleanup...); err != nil {
		log.Warn("compensation left objects behind", slog.Any("err", err))
	}

	rec.State = store.StateFailed
	rec.LastError = reason
	if err := p.records.SaveRecord(ctx, *rec); err != nil {
		return fmt.Errorf("save provisioning record: %w", err)
	}
	telemetry.IncCompensation()
	log.Warn("group provisioning abandoned", slog.String("reason", reason), slog.Int("attempts", rec.Attempts))
	return nil
}

// Status returns the record of a group.
func (p *Provisioner) Status(ctx context.Context, groupID string) (store.ProvisionRecord, error) {
	rec, err := p.records.GetRecord(ctx, groupID)
	if err != nil {
		return store.ProvisionRecord{}, err
	}
	if rec == nil {
		return store.ProvisionRecord{}, fmt.Errorf("%w: %s", ErrNotProvisioned, groupID)
	}
	return *rec, nil
}

// Pending returns records that still need work and updates the pending gauge.
func (p *Provisioner) Pending(ctx context.Context) ([]store.ProvisionRecord, error) {
	recs, err := p.records.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	telemetry.SetPendingRecords(len(recs))
	return recs, nil
}

// RoleFor returns the role id mapped to a group, or "" when none is recorded.
func (p *Provisioner) RoleFor(ctx context.Context, groupID string) (string, error) {
	rec, err := p.records.GetRecord(ctx, groupID)
	if err != nil || rec == nil {
		return "", err
	}
	return rec.RoleID, nil
}
