package update

import (
	"context"
	"fmt"
	"time"

	"github.com/updraft-io/updraft/core/infra/bus"
	"github.com/updraft-io/updraft/core/infra/logging"
	"github.com/updraft-io/updraft/core/infra/metrics"
	"github.com/updraft-io/updraft/core/permission"
)

// Gate enforces dual control over pending updates. The initiator proposed;
// publishing takes a sign-off from a second authorized principal.
type Gate struct {
	store         Store
	resolver      PermissionResolver
	superApprover string
	pushToken     string
	metrics       metrics.UpdateMetrics
	events        bus.Sink
}

// GateOptions collects the gate's collaborators. SuperApprover names the one
// principal allowed to approve their own submissions.
type GateOptions struct {
	Store         Store
	Resolver      PermissionResolver
	SuperApprover string
	PushToken     string
	Metrics       metrics.UpdateMetrics
	Events        bus.Sink
}

// NewGate builds an approval gate. Nil metrics and events default to no-ops.
func NewGate(opts GateOptions) *Gate {
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	events := opts.Events
	if events == nil {
		events = bus.Noop{}
	}
	return &Gate{
		store:         opts.Store,
		resolver:      opts.Resolver,
		superApprover: opts.SuperApprover,
		pushToken:     opts.PushToken,
		metrics:       m,
		events:        events,
	}
}

// Approve records a sign-off and returns the approved snapshot, ready for
// publishing. The approver's permissions are re-resolved at approval time so
// a grant revoked since submission no longer counts.
func (g *Gate) Approve(ctx context.Context, ident permission.Identity, key string) (*PendingUpdate, error) {
	if g.pushToken == "" {
		g.metrics.IncApprovals("credential_missing")
		return nil, Errf(CodeCredentialMissing, "repository push credential is not configured")
	}
	pending, err := g.store.Get(ctx, key)
	if err != nil {
		g.metrics.IncApprovals("not_found")
		return nil, err
	}
	if ident.ID == pending.Initiator && ident.ID != g.superApprover {
		g.metrics.IncApprovals("self_approval")
		return nil, Errf(CodeSelfApprovalForbidden, "%s may not approve their own submission", ident.ID)
	}
	caps, err := g.resolver.Resolve(ctx, ident)
	if err != nil {
		g.metrics.IncApprovals("error")
		return nil, fmt.Errorf("approve: %w", err)
	}
	if !caps.Allows(pending.ContentType, pending.ContentID) {
		g.metrics.IncApprovals("unauthorized")
		return nil, Errf(CodeUnauthorized, "%s may not approve updates to %s %q",
			ident.ID, pending.ContentType, pending.ContentID)
	}

	snapshot, err := g.store.Mutate(ctx, key, func(p *PendingUpdate) error {
		if p.ApprovedBy(ident.ID) {
			return nil
		}
		p.Approvers = append(p.Approvers, Approver{ID: ident.ID, At: time.Now().UTC()})
		return nil
	})
	if err != nil {
		g.metrics.IncApprovals("error")
		return nil, err
	}

	g.metrics.IncApprovals("approved")
	logging.Info("update", "submission approved",
		"key", key, "type", snapshot.ContentType, "id", snapshot.ContentID, "approver", ident.ID)
	if pubErr := g.events.Publish(bus.SubjectUpdateApproved, bus.Event{
		Type:        "update.approved",
		Key:         key,
		ContentType: string(snapshot.ContentType),
		ContentID:   snapshot.ContentID,
		File:        snapshot.File,
		Actor:       ident.ID,
	}); pubErr != nil {
		logging.Error("update", "publish approved event failed", "key", key, "error", pubErr)
	}
	return snapshot, nil
}

// Withdraw removes a pending update before approval. Only the initiator or
// an admin may withdraw.
func (g *Gate) Withdraw(ctx context.Context, ident permission.Identity, key string) error {
	pending, err := g.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if ident.ID != pending.Initiator && !ident.Admin {
		return Errf(CodeUnauthorized, "%s may not withdraw %s's submission", ident.ID, pending.Initiator)
	}
	if err := g.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	logging.Info("update", "submission withdrawn", "key", key, "actor", ident.ID)
	return nil
}
