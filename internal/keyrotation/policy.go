// Package keyrotation decides whether a membership change rotates the group
// key, supplements it for new members, or leaves it alone.
package keyrotation

import (
	"slices"

	"github.com/relves/swarmgroups/pkg/types"
)

// Action is the key operation a change requires.
type Action int

const (
	NoKeyChange Action = iota
	Supplement
	Rekey
)

func (a Action) String() string {
	switch a {
	case Supplement:
		return "supplement"
	case Rekey:
		return "rekey"
	default:
		return "none"
	}
}

// Change describes a membership mutation.
type Change struct {
	Added        []types.AccountID
	ShareHistory bool
	Removed      []types.AccountID
	Promoted     []types.AccountID
	Destroy      bool
}

// Decision is the outcome of Decide. Targets is set for Supplement only.
type Decision struct {
	Action  Action
	Targets []types.AccountID
}

// Decide returns the key operation for a change. Any removal rekeys, so a
// removed member never holds the generation used afterwards. Additions
// supplement only when history is shared and nobody is removed.
func Decide(c Change) Decision {
	switch {
	case len(c.Removed) > 0:
		return Decision{Action: Rekey}
	case len(c.Added) > 0 && !c.ShareHistory:
		return Decision{Action: Rekey}
	case len(c.Added) > 0:
		return Decision{Action: Supplement, Targets: slices.Clone(c.Added)}
	default:
		return Decision{Action: NoKeyChange}
	}
}
