// Package router wires platform and Discord events to provisioning and
// membership sync, and runs the reconciliation loop that resumes or abandons
// half-provisioned groups.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/guildsync/chat"
	"github.com/onnwee/guildsync/membership"
	"github.com/onnwee/guildsync/provision"
	"github.com/onnwee/guildsync/store"
	"github.com/onnwee/guildsync/telemetry"
)

const (
	defaultMaxAttempts = 5
	reconcileTimeout   = 2 * time.Minute
)

// Provisioner is the provisioning side used by the router.
type Provisioner interface {
	Provision(ctx context.Context, groupID, title string) (provision.ChannelPair, error)
	Complete(ctx context.Context, groupID string) error
	Compensate(ctx context.Context, groupID, reason string) error
	Status(ctx context.Context, groupID string) (store.ProvisionRecord, error)
	Pending(ctx context.Context) ([]store.ProvisionRecord, error)
}

// Members is the membership side used by the router.
type Members interface {
	HandleJoin(ctx context.Context, m chat.Member) membership.Result
	GrantGroup(ctx context.Context, userID, groupID string) error
}

// JoinSource delivers guild member joins.
type JoinSource interface {
	OnMemberJoin(ctx context.Context, h chat.JoinHandler) (remove func())
}

// Options tunes reconciliation.
type Options struct {
	// MaxAttempts is how many provisioning attempts a group gets before it is compensated.
	MaxAttempts int
}

// Router dispatches sync events.
type Router struct {
	prov        Provisioner
	members     Members
	groups      store.GroupStore
	maxAttempts int
}

// New returns a Router.
func New(prov Provisioner, members Members, groups store.GroupStore, opts Options) *Router {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &Router{prov: prov, members: members, groups: groups, maxAttempts: opts.MaxAttempts}
}

// Attach subscribes the router to member joins. The returned func unsubscribes.
func (r *Router) Attach(ctx context.Context, src JoinSource) (detach func()) {
	return src.OnMemberJoin(ctx, func(ctx context.Context, m chat.Member) {
		r.OnMemberJoin(ctx, m)
	})
}

// OnMemberJoin handles one member joining the guild.
func (r *Router) OnMemberJoin(ctx context.Context, m chat.Member) membership.Result {
	if telemetry.GetCorrelation(ctx) == "" {
		ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	}
	res := r.members.HandleJoin(ctx, m)
	telemetry.LoggerWithCorr(ctx).Debug("member join handled",
		slog.String("member_id", m.ID),
		slog.String("outcome", string(res.Outcome)),
		slog.String("component", "router"))
	return res
}

// OnGroupCreated provisions the group's role and channels, persists the
// channel refs on the group, and marks provisioning complete.
func (r *Router) OnGroupCreated(ctx context.Context, groupID, title string) (provision.ChannelPair, error) {
	pair, err := r.prov.Provision(ctx, groupID, title)
	if err != nil {
		return provision.ChannelPair{}, err
	}
	if err := r.groups.SetChatChannelRefs(ctx, groupID, pair.Refs()); err != nil {
		return provision.ChannelPair{}, fmt.Errorf("store channel refs: %w", err)
	}
	if err := r.prov.Complete(ctx, groupID); err != nil {
		return provision.ChannelPair{}, fmt.Errorf("complete provisioning: %w", err)
	}
	return pair, nil
}

// OnUserJoinedGroup grants the group's role to a user already in the guild.
func (r *Router) OnUserJoinedGroup(ctx context.Context, userID, groupID string) error {
	return r.members.GrantGroup(ctx, userID, groupID)
}

// ReconcileReport counts what one reconciliation pass did.
type ReconcileReport struct {
	Seen        int `json:"seen"`
	Completed   int `json:"completed"`
	Retrying    int `json:"retrying"`
	Compensated int `json:"compensated"`
}

// Reconcile resumes every record that is neither complete nor failed. A
// group that no longer exists is compensated, and so is a role or channel
// failure that is fatal or has used up its attempts. A group whose pair
// already exists is only ever retried.
func (r *Router) Reconcile(ctx context.Context) (ReconcileReport, error) {
	telemetry.IncReconcileCycle()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "reconcile"))

	recs, err := r.prov.Pending(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list pending records: %w", err)
	}
	rep := ReconcileReport{Seen: len(recs)}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		glog := log.With(slog.String("group_id", rec.GroupID))

		group, err := r.groups.GetGroup(ctx, rec.GroupID)
		if errors.Is(err, store.ErrNotFound) {
			r.compensate(ctx, glog, rec.GroupID, "group no longer exists", &rep)
			continue
		}
		if err != nil {
			glog.Warn("group lookup failed", slog.Any("err", err))
			rep.Retrying++
			continue
		}

		_, err = r.OnGroupCreated(ctx, group.ID, group.Title)
		if err == nil {
			glog.Info("pending group completed")
			rep.Completed++
			continue
		}
		cur := rec
		cur.Attempts++
		if latest, serr := r.prov.Status(ctx, rec.GroupID); serr == nil {
			cur = latest
		}
		// Once the pair exists only the bookkeeping is left; refs may already
		// point at the channels, so they are never torn down from here.
		if !provisioningFailed(err) || cur.State == store.StateChannelsCreated || cur.State == store.StateComplete {
			glog.Warn("provisioned group not yet recorded", slog.Any("err", err), slog.String("state", string(cur.State)))
			rep.Retrying++
			continue
		}
		attempts := cur.Attempts
		if chat.IsFatal(err) || attempts >= r.maxAttempts {
			r.compensate(ctx, glog, rec.GroupID, err.Error(), &rep)
			continue
		}
		glog.Warn("pending group still failing", slog.Any("err", err), slog.Int("attempts", attempts))
		rep.Retrying++
	}
	telemetry.SetPendingRecords(rep.Retrying)
	return rep, nil
}

// provisioningFailed reports whether err came from creating the role or channels.
func provisioningFailed(err error) bool {
	var roleErr *provision.RoleCreationError
	var chErr *provision.ChannelProvisioningError
	return errors.As(err, &roleErr) || errors.As(err, &chErr)
}

func (r *Router) compensate(ctx context.Context, log *slog.Logger, groupID, reason string, rep *ReconcileReport) {
	if err := r.prov.Compensate(ctx, groupID, reason); err != nil {
		log.Error("compensation failed", slog.Any("err", err))
		rep.Retrying++
		return
	}
	rep.Compensated++
}

// StartReconciler launches a goroutine that runs Reconcile every interval
// with jitter until ctx is done. The returned channel closes when it exits.
func (r *Router) StartReconciler(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			cctx, cancel := context.WithTimeout(telemetry.WithCorrelation(ctx, uuid.NewString()), reconcileTimeout)
			rep, err := r.Reconcile(cctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				slog.Warn("reconcile pass failed", slog.Any("err", err), slog.String("component", "reconcile"))
			} else if rep.Seen > 0 {
				slog.Info("reconcile pass",
					slog.Int("seen", rep.Seen),
					slog.Int("completed", rep.Completed),
					slog.Int("retrying", rep.Retrying),
					slog.Int("compensated", rep.Compensated),
					slog.String("component", "reconcile"))
			}

			// Per-iteration jitter (±20% of interval).
			jitterRange := int64(interval / 5)
			next := interval
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				next += time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(next):
			}
		}
	}()
	return done
}
