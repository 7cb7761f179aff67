package orchestrator

import (
	"context"
	"fmt"
	"slices"

	"github.com/relves/swarmgroups/internal/jobs"
	"github.com/relves/swarmgroups/internal/keyrotation"
	"github.com/relves/swarmgroups/internal/swarm"
	"github.com/relves/swarmgroups/pkg/types"
	"github.com/relves/swarmgroups/pkg/ucan"
)

// InviteMembers adds members to the group. With shareHistory the members are
// granted every existing key generation; otherwise the group is rekeyed.
// Members already invited with the same shareHistory are left untouched and
// only their tokens are unrevoked again.
func (o *Orchestrator) InviteMembers(ctx context.Context, group types.GroupID, members []types.AccountID, shareHistory bool) error {
	return o.run(ctx, group, "invite", func(ctx context.Context) error {
		ac, err := o.adminFor(group)
		if err != nil {
			return err
		}
		return o.invite(ctx, ac, members, shareHistory, false)
	})
}

// ReinviteMembers resends invitations to members whose invite failed or was
// never sent, keeping each member's history sharing flag. Members with a
// delivered invite are skipped.
func (o *Orchestrator) ReinviteMembers(ctx context.Context, group types.GroupID, members []types.AccountID) error {
	return o.run(ctx, group, "reinvite", func(ctx context.Context) error {
		ac, err := o.adminFor(group)
		if err != nil {
			return err
		}
		snap := ac.state.Snapshot()

		var shared, unshared []types.AccountID
		for _, id := range dedupe(members) {
			rec, ok := snap.Member(id)
			switch {
			case ok && rec.Active() && rec.Invite == types.InviteSent:
				continue
			case ok && rec.Supplement:
				shared = append(shared, id)
			default:
				unshared = append(unshared, id)
			}
		}
		if len(shared) > 0 {
			if err := o.invite(ctx, ac, shared, true, true); err != nil {
				return err
			}
		}
		if len(unshared) > 0 {
			if err := o.invite(ctx, ac, unshared, false, true); err != nil {
				return err
			}
		}
		return nil
	})
}

func (o *Orchestrator) invite(ctx context.Context, ac adminCtx, members []types.AccountID, shareHistory, reinvite bool) error {
	members = dedupe(members)
	members = slices.DeleteFunc(members, func(id types.AccountID) bool { return id == o.registry.Self() })
	if len(members) == 0 {
		return nil
	}

	tokens, err := tokenIDs(members)
	if err != nil {
		return err
	}
	unrevoke := swarm.UnrevokeRequest(tokens)

	txn := ac.state.Begin()
	var added, needKeys []types.AccountID
	for _, id := range members {
		rec, ok := txn.Members().Get(id)
		if ok && rec.Active() && rec.Invite == types.InviteSent && rec.Supplement == shareHistory {
			continue
		}
		if !ok {
			rec = types.Member{ID: id}
			if o.contacts != nil {
				if name, pic, found := o.contacts.Profile(ctx, id); found {
					rec.Name, rec.ProfilePic = name, pic
				}
			}
		}
		if !reinvite || !ok || !rec.Active() {
			needKeys = append(needKeys, id)
		}
		rec.Removed = false
		rec.Invite = types.InviteSent
		rec.Supplement = shareHistory
		txn.Members().Set(rec)
		added = append(added, id)
	}

	if len(added) == 0 {
		client, err := o.resolver.ClientFor(ac.group.ID)
		if err != nil {
			return fmt.Errorf("resolve node: %w", err)
		}
		if _, err := swarm.Submit(ctx, client, ac.group.ID, swarm.Batch{Requests: []swarm.Request{unrevoke}}, ac.auth); err != nil {
			return fmt.Errorf("unrevoke: %w", err)
		}
		o.logger.Debug("members already invited", "group", ac.group.ID.Short(), "members", len(members))
		return nil
	}

	decision := keyrotation.Decide(keyrotation.Change{Added: needKeys, ShareHistory: shareHistory})
	switch decision.Action {
	case keyrotation.Rekey:
		if _, err := txn.Keys().Rekey(); err != nil {
			return fmt.Errorf("rekey: %w", err)
		}
	case keyrotation.Supplement:
		if _, err := txn.Keys().SupplementFor(decision.Targets...); err != nil {
			return fmt.Errorf("supplement keys: %w", err)
		}
	}

	if err := o.push(ctx, ac, txn, []swarm.Request{unrevoke}, nil); err != nil {
		return err
	}
	o.forgetRevocations(ctx, ac.group.ID, tokens)

	for _, id := range added {
		o.sendInvite(ac, id)
	}
	if err := o.broadcast(ctx, ac, types.ChangeAdded, added, shareHistory); err != nil {
		return err
	}
	o.audit(ctx, ac.group.ID, "invited %d member(s), history shared: %t, keys: %s", len(added), shareHistory, decision.Action)
	return nil
}

// sendInvite enqueues delivery of a fresh subaccount token to member.
func (o *Orchestrator) sendInvite(ac adminCtx, member types.AccountID) {
	group := ac.group.ID
	o.pending.set(group, member, Inviting)

	o.supervisor.Submit("send-invite", func(ctx context.Context) error {
		issuer, err := ucan.NewIssuer(ac.admin.Seed())
		if err != nil {
			return err
		}
		dlg, err := issuer.IssueSubaccountToken(member, o.cfg.TokenTTL)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		token, err := ucan.FormatToken(dlg)
		if err != nil {
			return err
		}
		return o.messenger.SendInvite(ctx, member, types.Invitation{
			Group:   group,
			Name:    ac.state.Snapshot().Info.Name,
			Token:   token,
			Inviter: o.registry.Self(),
		})
	},
		jobs.OnSuccess(func() { o.pending.clear(group, member, Inviting) }),
		jobs.OnFailure(func(err error) {
			o.pending.clear(group, member, Inviting)
			o.logger.Warn("invite delivery failed", "group", group.Short(), "member", member, "error", err)
			if err := o.MarkInviteFailed(o.supervisor.Context(), group, member); err != nil {
				o.logger.Warn("failed to record invite failure", "group", group.Short(), "error", err)
			}
		}),
	)
}

// MarkInviteFailed records that an invitation could not be delivered.
func (o *Orchestrator) MarkInviteFailed(ctx context.Context, group types.GroupID, member types.AccountID) error {
	return o.setStatus(ctx, group, "invite-failed", member, func(m *types.Member) bool {
		if m.Invite != types.InviteSent || !m.Active() {
			return false
		}
		m.Invite = types.InviteFailed
		return true
	})
}

// setStatus applies fn to a member record and pushes the change if fn
// reports a modification.
func (o *Orchestrator) setStatus(ctx context.Context, group types.GroupID, op string, member types.AccountID, fn func(*types.Member) bool) error {
	return o.run(ctx, group, op, func(ctx context.Context) error {
		ac, err := o.adminFor(group)
		if err != nil {
			return err
		}
		txn := ac.state.Begin()
		rec, ok := txn.Members().Get(member)
		if !ok || !fn(&rec) {
			return nil
		}
		txn.Members().Set(rec)
		return o.push(ctx, ac, txn, nil, nil)
	})
}

func (o *Orchestrator) forgetRevocations(ctx context.Context, group types.GroupID, targets []string) {
	store, err := o.registry.Store(group)
	if err != nil {
		o.logger.Warn("failed to open store", "group", group.Short(), "error", err)
		return
	}
	for _, target := range targets {
		if err := store.RemoveRevocation(ctx, target); err != nil {
			o.logger.Warn("failed to clear revocation", "group", group.Short(), "error", err)
		}
	}
}

func tokenIDs(members []types.AccountID) ([]string, error) {
	out := make([]string, 0, len(members))
	for _, id := range members {
		tok, err := ucan.SubaccountTokenID(id)
		if err != nil {
			return nil, fmt.Errorf("token id for %s: %w", id, err)
		}
		out = append(out, tok)
	}
	return out, nil
}

func dedupe(ids []types.AccountID) []types.AccountID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
