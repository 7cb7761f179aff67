package orchestrator

import (
	"context"
	"fmt"

	"github.com/relves/swarmgroups/internal/jobs"
	"github.com/relves/swarmgroups/internal/keyrotation"
	"github.com/relves/swarmgroups/pkg/sealing"
	"github.com/relves/swarmgroups/pkg/types"
)

// PromoteMembers sends the admin key to members. Members that are already
// admins are skipped unless isRepromote is set.
func (o *Orchestrator) PromoteMembers(ctx context.Context, group types.GroupID, members []types.AccountID, isRepromote bool) error {
	return o.run(ctx, group, "promote", func(ctx context.Context) error {
		ac, err := o.adminFor(group)
		if err != nil {
			return err
		}

		txn := ac.state.Begin()
		var promoted []types.AccountID
		for _, id := range dedupe(members) {
			rec, ok := txn.Members().Get(id)
			if !ok || !rec.Active() || id == o.registry.Self() {
				continue
			}
			if rec.Admin && !isRepromote {
				continue
			}
			rec.Promotion = types.PromotionSent
			txn.Members().Set(rec)
			promoted = append(promoted, id)
		}
		if len(promoted) == 0 {
			return nil
		}
		if d := keyrotation.Decide(keyrotation.Change{Promoted: promoted}); d.Action != keyrotation.NoKeyChange {
			return fmt.Errorf("promotion requires key change %s", d.Action)
		}

		if err := o.push(ctx, ac, txn, nil, nil); err != nil {
			return err
		}
		for _, id := range promoted {
			o.sendPromotion(ac, id)
		}
		if err := o.broadcast(ctx, ac, types.ChangePromoted, promoted, false); err != nil {
			return err
		}
		o.audit(ctx, group, "promoted %d member(s)", len(promoted))
		return nil
	})
}

func (o *Orchestrator) sendPromotion(ac adminCtx, member types.AccountID) {
	group := ac.group.ID
	o.pending.set(group, member, Promoting)

	o.supervisor.Submit("send-promotion", func(ctx context.Context) error {
		pub, err := member.PublicKey()
		if err != nil {
			return err
		}
		sealed, err := sealing.SealFor(pub, ac.admin.Seed())
		if err != nil {
			return fmt.Errorf("seal admin key: %w", err)
		}
		return o.messenger.SendPromotion(ctx, member, types.Promotion{
			Group:    group,
			Name:     ac.state.Snapshot().Info.Name,
			AdminKey: sealed,
		})
	},
		jobs.OnSuccess(func() { o.pending.clear(group, member, Promoting) }),
		jobs.OnFailure(func(err error) {
			o.pending.clear(group, member, Promoting)
			o.logger.Warn("promotion delivery failed", "group", group.Short(), "member", member, "error", err)
			if err := o.MarkPromotionFailed(o.supervisor.Context(), group, member); err != nil {
				o.logger.Warn("failed to record promotion failure", "group", group.Short(), "error", err)
			}
		}),
	)
}

// MarkPromotionFailed records that a promotion could not be delivered.
func (o *Orchestrator) MarkPromotionFailed(ctx context.Context, group types.GroupID, member types.AccountID) error {
	return o.setStatus(ctx, group, "promotion-failed", member, func(m *types.Member) bool {
		if m.Promotion != types.PromotionSent || !m.Active() {
			return false
		}
		m.Promotion = types.PromotionFailed
		return true
	})
}
