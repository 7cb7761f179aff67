package orchestrator

import (
	"context"
	"fmt"
	"slices"

	"github.com/relves/swarmgroups/internal/keyrotation"
	"github.com/relves/swarmgroups/internal/swarm"
	"github.com/relves/swarmgroups/pkg/signing"
	"github.com/relves/swarmgroups/pkg/types"
)

// RemoveMembers removes members from the group and rekeys it. With
// removeMessages their content is deleted from every device and the swarm.
func (o *Orchestrator) RemoveMembers(ctx context.Context, group types.GroupID, members []types.AccountID, removeMessages bool) error {
	return o.run(ctx, group, "remove", func(ctx context.Context) error {
		ac, err := o.adminFor(group)
		if err != nil {
			return err
		}
		return o.remove(ctx, ac, members, removeMessages, true)
	})
}

// HandleMemberLeft reacts to a member leaving voluntarily. Admin devices
// remove the member without a broadcast. A non-admin device that sees an
// admin leave exits the group.
func (o *Orchestrator) HandleMemberLeft(ctx context.Context, group types.GroupID, member types.AccountID) error {
	return o.run(ctx, group, "member-left", func(ctx context.Context) error {
		if member == o.registry.Self() {
			return nil
		}
		if _, err := o.registry.Active(group); err != nil {
			return err
		}
		st, err := o.registry.Config(group)
		if err != nil {
			return err
		}

		if st.IsAdmin() {
			ac, err := o.adminFor(group)
			if err != nil {
				return err
			}
			return o.remove(ctx, ac, []types.AccountID{member}, false, false)
		}

		rec, ok := st.Snapshot().Member(member)
		if !ok || !rec.Admin {
			return nil
		}
		o.logger.Info("admin left, leaving group", "group", group.Short(), "admin", member)
		return o.teardown(ctx, group)
	})
}

func (o *Orchestrator) remove(ctx context.Context, ac adminCtx, members []types.AccountID, removeMessages, broadcast bool) error {
	snap := ac.state.Snapshot()
	members = slices.DeleteFunc(dedupe(members), func(id types.AccountID) bool {
		if id == o.registry.Self() {
			return true
		}
		rec, ok := snap.Member(id)
		return !ok || !rec.Active()
	})
	if len(members) == 0 {
		return nil
	}
	tokens, err := tokenIDs(members)
	if err != nil {
		return err
	}

	client, err := o.resolver.ClientFor(ac.group.ID)
	if err != nil {
		return fmt.Errorf("resolve node: %w", err)
	}

	// Phase 1: revoke and notify while the members still hold the active key.
	now := o.cfg.Now().UnixMilli()
	revoke := swarm.Batch{Sequential: true, Requests: []swarm.Request{swarm.RevokeRequest(tokens)}}
	for _, id := range members {
		data, err := ac.state.SealNotice(types.KickedNotice{Member: id, Generation: snap.Generation, Timestamp: now})
		if err != nil {
			return fmt.Errorf("encrypt kicked notice: %w", err)
		}
		revoke.Requests = append(revoke.Requests,
			swarm.StoreRequest(types.NamespaceRevokedGroupMessages, data, o.cfg.MessageTTL, now))
	}
	if removeMessages {
		directive := types.DeleteMemberContent{Members: members, Timestamp: now}
		if err := signing.SignDeleteContent(ac.admin, &directive); err != nil {
			return fmt.Errorf("sign delete directive: %w", err)
		}
		data, err := ac.state.SealMessage(types.GroupMessage{
			Kind:          types.KindDeleteMemberContent,
			Sender:        o.registry.Self(),
			Timestamp:     now,
			DeleteContent: &directive,
		})
		if err != nil {
			return fmt.Errorf("encrypt delete directive: %w", err)
		}
		revoke.Requests = append(revoke.Requests,
			swarm.StoreRequest(types.NamespaceGroupMessages, data, o.cfg.MessageTTL, now))
	}
	if _, err := swarm.Submit(ctx, client, ac.group.ID, revoke, ac.auth); err != nil {
		return fmt.Errorf("revoke members: %w", err)
	}
	o.recordRevocations(ctx, ac.group.ID, tokens)

	// Phase 2: tombstone, rekey and sync.
	txn := ac.state.Begin()
	for _, id := range members {
		txn.Members().Erase(id)
	}
	if keyrotation.Decide(keyrotation.Change{Removed: members}).Action == keyrotation.Rekey {
		if _, err := txn.Keys().Rekey(); err != nil {
			return fmt.Errorf("rekey: %w", err)
		}
	}
	var post []swarm.Request
	if removeMessages && o.history != nil {
		hashes, err := o.history.PurgeFrom(ctx, ac.group.ID, members)
		if err != nil {
			return fmt.Errorf("purge history: %w", err)
		}
		if len(hashes) > 0 {
			post = append(post, swarm.DeleteRequest(hashes))
		}
	}
	if err := o.push(ctx, ac, txn, nil, post); err != nil {
		return err
	}

	// Phase 3
	if !broadcast {
		o.audit(ctx, ac.group.ID, "%d member(s) left", len(members))
		return nil
	}
	if err := o.broadcast(ctx, ac, types.ChangeRemoved, members, false); err != nil {
		return err
	}
	o.audit(ctx, ac.group.ID, "removed %d member(s), messages removed: %t", len(members), removeMessages)
	return nil
}

func (o *Orchestrator) recordRevocations(ctx context.Context, group types.GroupID, targets []string) {
	store, err := o.registry.Store(group)
	if err != nil {
		o.logger.Warn("failed to open store", "group", group.Short(), "error", err)
		return
	}
	for _, target := range targets {
		err := store.AddRevocation(ctx, types.RevocationEntry{
			Type:      types.RevokeAccount,
			Target:    target,
			Timestamp: o.cfg.Now(),
		})
		if err != nil {
			o.logger.Warn("failed to record revocation", "group", group.Short(), "error", err)
		}
	}
}
