package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/relves/swarmgroups/internal/groupconfig"
	"github.com/relves/swarmgroups/pkg/sealing"
	"github.com/relves/swarmgroups/pkg/signing"
	"github.com/relves/swarmgroups/pkg/types"
	"github.com/relves/swarmgroups/pkg/ucan"
)

// CreateGroup creates a group administered by this device and invites
// members with history shared. A group created without members has no key
// generation until its first rekey.
func (o *Orchestrator) CreateGroup(ctx context.Context, name string, members []types.AccountID) (types.GroupID, error) {
	seed, err := signing.GenerateSeed()
	if err != nil {
		return "", err
	}
	admin, err := signing.NewEd25519Signer(seed)
	if err != nil {
		return "", err
	}
	group := admin.GroupID()

	if _, err := o.registry.Add(ctx, types.Group{ID: group, AdminKey: seed, Name: name}); err != nil {
		return "", err
	}

	err = o.run(ctx, group, "create", func(ctx context.Context) error {
		ac, err := o.adminFor(group)
		if err != nil {
			return err
		}
		txn := ac.state.Begin()
		txn.Info().Set(groupconfig.Info{Name: name})
		txn.Members().Set(types.Member{
			ID:     o.registry.Self(),
			Invite: types.InviteSent,
			Admin:  true,
		})
		if err := o.push(ctx, ac, txn, nil, nil); err != nil {
			return err
		}
		o.audit(ctx, group, "group %q created", name)
		return nil
	})
	if err != nil {
		return "", err
	}

	if len(members) > 0 {
		if err := o.InviteMembers(ctx, group, members, true); err != nil {
			return group, err
		}
	}
	return group, nil
}

// AcceptInvite validates the invitation token and joins the group. Joining
// again after a removal clears the kicked flag.
func (o *Orchestrator) AcceptInvite(ctx context.Context, inv types.Invitation) error {
	if _, err := ucan.ValidateTokenString(inv.Token, inv.Group, o.registry.Self(), types.CapabilityRead); err != nil {
		return fmt.Errorf("invitation token: %w", err)
	}
	return o.run(ctx, inv.Group, "accept-invite", func(ctx context.Context) error {
		g := types.Group{ID: inv.Group, Name: inv.Name, SubaccountToken: inv.Token}
		if existing, err := o.registry.Get(inv.Group); err == nil {
			g.AdminKey = existing.AdminKey
		}
		if _, err := o.registry.Add(ctx, g); err != nil {
			return err
		}
		o.audit(ctx, inv.Group, "joined group %q", inv.Name)
		return nil
	})
}

var errMemberConfigMissing = errors.New("own member record not merged yet")

// AcceptPromotion opens the sealed admin key, installs it and marks this
// device's member record as admin.
func (o *Orchestrator) AcceptPromotion(ctx context.Context, p types.Promotion) error {
	seed, err := sealing.Open(o.registry.Identity().Seed(), p.AdminKey)
	if err != nil {
		return fmt.Errorf("open admin key: %w", err)
	}
	return o.run(ctx, p.Group, "accept-promotion", func(ctx context.Context) error {
		if err := o.registry.SetAdminKey(ctx, p.Group, seed); err != nil {
			return err
		}
		ac, err := o.adminFor(p.Group)
		if err != nil {
			return err
		}
		txn := ac.state.Begin()
		rec, ok := txn.Members().Get(o.registry.Self())
		if !ok {
			return errMemberConfigMissing
		}
		rec.Admin = true
		rec.Promotion = types.PromotionNone
		txn.Members().Set(rec)
		if err := o.push(ctx, ac, txn, nil, nil); err != nil {
			return err
		}
		o.audit(ctx, p.Group, "promoted to admin")
		return nil
	})
}

// DestroyGroup marks the group destroyed in config and pushes it. Pollers of
// every member stop once they observe it.
func (o *Orchestrator) DestroyGroup(ctx context.Context, group types.GroupID) error {
	return o.run(ctx, group, "destroy", func(ctx context.Context) error {
		g, err := o.registry.Get(group)
		if err != nil {
			return err
		}
		ac, err := o.adminForGroup(g)
		if err != nil {
			return err
		}
		txn := ac.state.Begin()
		txn.Info().MarkDestroyed()
		if err := o.push(ctx, ac, txn, nil, nil); err != nil {
			return err
		}
		if err := o.registry.SetDestroyed(ctx, group); err != nil {
			return err
		}
		o.audit(ctx, group, "group destroyed")
		return nil
	})
}
