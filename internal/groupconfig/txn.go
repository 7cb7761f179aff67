package groupconfig

import (
	"fmt"
	"maps"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/relves/swarmgroups/pkg/sealing"
	"github.com/relves/swarmgroups/pkg/signing"
	"github.com/relves/swarmgroups/pkg/types"
)

// Txn is a scoped handle over the Keys, Info and Members views. Changes are
// invisible to readers until Commit and are dropped if the Txn is abandoned.
type Txn struct {
	st    *State
	v     *values
	admin *signing.Ed25519Signer
	done  bool
}

// Keys returns the keys view.
func (t *Txn) Keys() Keys { return Keys{t: t} }

// Info returns the info view.
func (t *Txn) Info() InfoView { return InfoView{t: t} }

// Members returns the members view.
func (t *Txn) Members() Members { return Members{t: t} }

// Commit publishes the transaction's values.
func (t *Txn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	t.st.mu.Lock()
	t.st.cur = t.v
	t.st.mu.Unlock()
	return nil
}

// Dirty reports whether the transaction holds changes that need a push.
func (t *Txn) Dirty() bool {
	return t.v.infoDirty || t.v.membersDirty || len(t.v.pendingKeys) > 0
}

// Keys is the key-generation view of a Txn.
type Keys struct{ t *Txn }

// Active returns the active generation, 0 if none.
func (k Keys) Active() uint64 { return k.t.v.active }

// Rekey creates a new active generation. It is sealed at push time to the
// members active then, so membership changes made earlier in the same
// transaction are honoured.
func (k Keys) Rekey() (uint64, error) {
	if k.t.admin == nil {
		return 0, ErrNotAdmin
	}
	key, err := sealing.NewKey()
	if err != nil {
		return 0, err
	}
	v := k.t.v
	gen := v.active + 1
	v.addKey(gen, key)
	v.active = gen
	v.pendingKeys = append(v.pendingKeys, pendingKeys{generations: []uint64{gen}})
	return gen, nil
}

// SupplementFor grants the listed members every known generation without
// rotating the active one. Returns the number of generations shared.
func (k Keys) SupplementFor(members ...types.AccountID) (int, error) {
	if k.t.admin == nil {
		return 0, ErrNotAdmin
	}
	v := k.t.v
	if len(v.keys) == 0 || len(members) == 0 {
		return 0, nil
	}
	gens := slices.Sorted(maps.Keys(v.keys))
	v.pendingKeys = append(v.pendingKeys, pendingKeys{
		generations: gens,
		targets:     slices.Clone(members),
		supplement:  true,
	})
	return len(gens), nil
}

// InfoView is the info view of a Txn.
type InfoView struct{ t *Txn }

func (i InfoView) Get() Info { return i.t.v.info }

func (i InfoView) Set(info Info) {
	i.t.v.info = info
	i.t.v.infoDirty = true
}

// MarkDestroyed flags the group destroyed. Irreversible.
func (i InfoView) MarkDestroyed() {
	i.t.v.info.Destroyed = true
	i.t.v.infoDirty = true
}

// Members is the members view of a Txn.
type Members struct{ t *Txn }

func (m Members) Get(id types.AccountID) (types.Member, bool) {
	mem, ok := m.t.v.members[id]
	return mem, ok
}

// Set inserts or replaces a member record.
func (m Members) Set(mem types.Member) {
	m.t.v.members[mem.ID] = mem
	m.t.v.membersDirty = true
}

// Erase tombstones a member. The record is kept with Removed set.
func (m Members) Erase(id types.AccountID) bool {
	mem, ok := m.t.v.members[id]
	if !ok {
		return false
	}
	mem.Removed = true
	mem.Admin = false
	mem.Supplement = false
	m.t.v.members[id] = mem
	m.t.v.membersDirty = true
	return true
}

// All returns every record, tombstones included, sorted by id.
func (m Members) All() []types.Member {
	out := make([]types.Member, 0, len(m.t.v.members))
	for _, id := range slices.Sorted(maps.Keys(m.t.v.members)) {
		out = append(out, m.t.v.members[id])
	}
	return out
}

// MergeResult summarizes a merge.
type MergeResult struct {
	Keys          int
	Info          int
	Members       int
	Rejected      int
	Undecryptable int
}

// Merge applies config messages retrieved from the swarm. Keys are merged
// first so the snapshots that follow can be opened. Messages with a bad
// signature are rejected; messages not addressed to this device are counted
// as undecryptable. Neither fails the merge.
func (t *Txn) Merge(keys, info, members []types.ConfigMessage) (MergeResult, error) {
	var res MergeResult
	if t.done {
		return res, ErrTxnDone
	}

	for _, msg := range keys {
		if t.v.isKnownHash(msg.Hash) {
			continue
		}
		var kp keysPayload
		if err := openEnvelope(t.st.groupKey, msg.Data, &kp); err != nil {
			res.Rejected++
			continue
		}
		t.v.keyHashes = append(t.v.keyHashes, msg.Hash)

		plain, ok := t.st.open(t.admin, kp.Recipients)
		if !ok {
			res.Undecryptable++
			continue
		}
		var gens []wireKey
		if err := msgpack.Unmarshal(plain, &gens); err != nil {
			res.Rejected++
			continue
		}
		for _, g := range gens {
			t.v.addKey(g.Generation, g.Key)
			if g.Generation > t.v.active {
				t.v.active = g.Generation
			}
		}
		res.Keys++
	}

	for _, msg := range info {
		var next Info
		applied, err := t.mergeSnapshot(msg, &t.v.infoSeq, &t.v.infoHash, &next)
		if err != nil {
			res.Rejected++
			continue
		}
		switch applied {
		case snapshotApplied:
			t.v.info = next
			res.Info++
		case snapshotUndecryptable:
			res.Undecryptable++
		}
	}

	for _, msg := range members {
		var next []types.Member
		applied, err := t.mergeSnapshot(msg, &t.v.membersSeq, &t.v.membersHash, &next)
		if err != nil {
			res.Rejected++
			continue
		}
		switch applied {
		case snapshotApplied:
			t.v.members = make(map[types.AccountID]types.Member, len(next))
			for _, m := range next {
				t.v.members[m.ID] = m
			}
			res.Members++
		case snapshotUndecryptable:
			res.Undecryptable++
		}
	}

	return res, nil
}

type snapshotOutcome int

const (
	snapshotSkipped snapshotOutcome = iota
	snapshotApplied
	snapshotUndecryptable
)

// mergeSnapshot applies msg if it is newer than the current snapshot. The
// highest (seq, hash) wins so concurrent admins converge.
func (t *Txn) mergeSnapshot(msg types.ConfigMessage, seq *uint64, hash *string, out any) (snapshotOutcome, error) {
	if msg.Hash == *hash {
		return snapshotSkipped, nil
	}
	var sp snapshotPayload
	if err := openEnvelope(t.st.groupKey, msg.Data, &sp); err != nil {
		return snapshotSkipped, err
	}

	newer := sp.Seq > *seq || (sp.Seq == *seq && msg.Hash > *hash)
	if !newer {
		t.markObsolete(msg.Hash)
		return snapshotSkipped, nil
	}

	contentKey, ok := t.st.open(t.admin, sp.Recipients)
	if !ok {
		return snapshotUndecryptable, nil
	}
	plain, err := sealing.Decrypt(contentKey, sp.Ciphertext)
	if err != nil {
		return snapshotSkipped, err
	}
	if err := msgpack.Unmarshal(plain, out); err != nil {
		return snapshotSkipped, err
	}

	if *hash != "" {
		t.markObsolete(*hash)
	}
	*seq = sp.Seq
	*hash = msg.Hash
	return snapshotApplied, nil
}

func (t *Txn) markObsolete(hash string) {
	if !slices.Contains(t.v.obsolete, hash) {
		t.v.obsolete = append(t.v.obsolete, hash)
	}
}

// Push is one config message ready to be stored.
type Push struct {
	Namespace types.Namespace
	Data      []byte
	Timestamp int64
	seq       uint64
}

// PushSet is the outcome of Txn.Push: messages to store and superseded
// hashes to delete, submitted in one batch.
type PushSet struct {
	Messages []Push
	Obsolete []string
}

// Push encodes every pending change. The values are not marked synced until
// Confirm is called with the hashes the swarm assigned.
func (t *Txn) Push() (PushSet, error) {
	var set PushSet
	if t.done {
		return set, ErrTxnDone
	}
	if !t.Dirty() {
		if t.admin != nil {
			set.Obsolete = slices.Clone(t.v.obsolete)
		}
		return set, nil
	}
	if t.admin == nil {
		return set, ErrNotAdmin
	}

	now := t.st.now().UnixMilli()
	active := t.v.activeMemberIDs()

	// Info is sealed per recipient, so a changed member set needs a fresh copy.
	if t.v.membersDirty {
		t.v.infoDirty = true
	}

	for _, pk := range t.v.pendingKeys {
		gens := make([]wireKey, 0, len(pk.generations))
		for _, g := range pk.generations {
			for _, key := range t.v.keys[g] {
				gens = append(gens, wireKey{Generation: g, Key: key})
			}
		}
		plain, err := msgpack.Marshal(gens)
		if err != nil {
			return set, err
		}
		targets := pk.targets
		if targets == nil {
			targets = active
		}
		recipients, err := sealTo(t.st.group, targets, plain)
		if err != nil {
			return set, fmt.Errorf("seal keys: %w", err)
		}
		data, err := sealEnvelope(t.admin, keysPayload{
			Supplement: pk.supplement,
			Timestamp:  now,
			Recipients: recipients,
		})
		if err != nil {
			return set, err
		}
		set.Messages = append(set.Messages, Push{Namespace: types.NamespaceGroupKeys, Data: data, Timestamp: now})
	}

	if t.v.infoDirty {
		p, err := t.snapshotPush(types.NamespaceGroupInfo, t.v.infoSeq+1, now, active, t.v.info)
		if err != nil {
			return set, fmt.Errorf("encode info: %w", err)
		}
		set.Messages = append(set.Messages, p)
		if t.v.infoHash != "" {
			t.markObsolete(t.v.infoHash)
		}
	}

	if t.v.membersDirty {
		p, err := t.snapshotPush(types.NamespaceGroupMembers, t.v.membersSeq+1, now, active, Members{t: t}.All())
		if err != nil {
			return set, fmt.Errorf("encode members: %w", err)
		}
		set.Messages = append(set.Messages, p)
		if t.v.membersHash != "" {
			t.markObsolete(t.v.membersHash)
		}
	}

	set.Obsolete = slices.Clone(t.v.obsolete)
	return set, nil
}

func (t *Txn) snapshotPush(ns types.Namespace, seq uint64, now int64, recipients []types.AccountID, content any) (Push, error) {
	plain, err := msgpack.Marshal(content)
	if err != nil {
		return Push{}, err
	}
	contentKey, err := sealing.NewKey()
	if err != nil {
		return Push{}, err
	}
	ct, err := sealing.Encrypt(contentKey, plain)
	if err != nil {
		return Push{}, err
	}
	sealed, err := sealTo(t.st.group, recipients, contentKey)
	if err != nil {
		return Push{}, err
	}
	data, err := sealEnvelope(t.admin, snapshotPayload{
		Seq:        seq,
		Timestamp:  now,
		Recipients: sealed,
		Ciphertext: ct,
	})
	if err != nil {
		return Push{}, err
	}
	return Push{Namespace: ns, Data: data, Timestamp: now, seq: seq}, nil
}

// Confirm records the hashes assigned to a pushed set and clears the
// pending state. hashes must align with set.Messages.
func (t *Txn) Confirm(set PushSet, hashes []string) error {
	if t.done {
		return ErrTxnDone
	}
	if len(hashes) != len(set.Messages) {
		return fmt.Errorf("confirm: got %d hashes for %d messages", len(hashes), len(set.Messages))
	}

	for i, p := range set.Messages {
		switch p.Namespace {
		case types.NamespaceGroupKeys:
			t.v.keyHashes = append(t.v.keyHashes, hashes[i])
		case types.NamespaceGroupInfo:
			t.v.infoSeq = p.seq
			t.v.infoHash = hashes[i]
		case types.NamespaceGroupMembers:
			t.v.membersSeq = p.seq
			t.v.membersHash = hashes[i]
		}
	}

	t.v.obsolete = slices.DeleteFunc(t.v.obsolete, func(h string) bool {
		return slices.Contains(set.Obsolete, h)
	})
	t.v.keyHashes = slices.DeleteFunc(t.v.keyHashes, func(h string) bool {
		return slices.Contains(set.Obsolete, h)
	})
	t.v.pendingKeys = nil
	t.v.infoDirty = false
	t.v.membersDirty = false
	return nil
}
