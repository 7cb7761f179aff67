package keyrotation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relves/swarmgroups/pkg/types"
)

func TestDecide(t *testing.T) {
	m1 := types.AccountID("aa")
	m2 := types.AccountID("bb")

	tests := []struct {
		name    string
		change  Change
		action  Action
		targets []types.AccountID
	}{
		{"removal rekeys", Change{Removed: []types.AccountID{m1}}, Rekey, nil},
		{"add without history rekeys", Change{Added: []types.AccountID{m1}}, Rekey, nil},
		{"add with history supplements", Change{Added: []types.AccountID{m1, m2}, ShareHistory: true}, Supplement, []types.AccountID{m1, m2}},
		{"add and remove rekeys", Change{Added: []types.AccountID{m1}, ShareHistory: true, Removed: []types.AccountID{m2}}, Rekey, nil},
		{"promotion alone", Change{Promoted: []types.AccountID{m1}}, NoKeyChange, nil},
		{"destroy alone", Change{Destroy: true}, NoKeyChange, nil},
		{"empty", Change{}, NoKeyChange, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.change)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.targets, d.Targets)
		})
	}
}

func TestDecide_TargetsAreCopied(t *testing.T) {
	added := []types.AccountID{"aa"}
	d := Decide(Change{Added: added, ShareHistory: true})
	added[0] = "zz"
	assert.Equal(t, types.AccountID("aa"), d.Targets[0])
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "rekey", Rekey.String())
	assert.Equal(t, "supplement", Supplement.String())
	assert.Equal(t, "none", NoKeyChange.String())
}
