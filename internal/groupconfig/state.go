// Package groupconfig holds the decoded Keys, Info and Members config of a
// group and the operations that mutate and synchronize them.
//
// Readers use immutable snapshots. Mutations go through a Txn that exposes
// the three sub-views and is committed as one unit.
package groupconfig

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/relves/swarmgroups/pkg/sealing"
	"github.com/relves/swarmgroups/pkg/signing"
	"github.com/relves/swarmgroups/pkg/types"
)

var (
	ErrNotAdmin          = errors.New("admin key required")
	ErrNoKeys            = errors.New("group has no key generations")
	ErrUnknownGeneration = errors.New("unknown key generation")
	ErrTxnDone           = errors.New("transaction already finished")

	// ErrGenerationAhead is returned for content under a generation newer
	// than any merged one. It matches ErrUnknownGeneration.
	ErrGenerationAhead = fmt.Errorf("%w: not merged yet", ErrUnknownGeneration)
)

// Info is the group info config.
type Info struct {
	Name      string `msgpack:"name"`
	Destroyed bool   `msgpack:"destroyed"`
}

type values struct {
	// keys holds every candidate key per generation, sorted. Admins rekeying
	// concurrently create the same generation with different keys.
	keys      map[uint64][][]byte
	active    uint64
	keyHashes []string

	info     Info
	infoSeq  uint64
	infoHash string

	members     map[types.AccountID]types.Member
	membersSeq  uint64
	membersHash string

	// obsolete holds superseded config hashes awaiting deletion by an admin.
	obsolete []string

	pendingKeys  []pendingKeys
	infoDirty    bool
	membersDirty bool
}

type pendingKeys struct {
	generations []uint64
	// targets nil means every active member.
	targets    []types.AccountID
	supplement bool
}

func newValues() *values {
	return &values{
		keys:    make(map[uint64][][]byte),
		members: make(map[types.AccountID]types.Member),
	}
}

func (v *values) clone() *values {
	c := *v
	c.keys = maps.Clone(v.keys)
	c.keyHashes = slices.Clone(v.keyHashes)
	c.members = maps.Clone(v.members)
	c.obsolete = slices.Clone(v.obsolete)
	c.pendingKeys = slices.Clone(v.pendingKeys)
	return &c
}

// addKey records a candidate for gen. The stored slice is replaced, never
// appended to, since clones share it.
func (v *values) addKey(gen uint64, key []byte) {
	cur := v.keys[gen]
	if slices.ContainsFunc(cur, func(k []byte) bool { return bytes.Equal(k, key) }) {
		return
	}
	next := append(slices.Clone(cur), key)
	slices.SortFunc(next, bytes.Compare)
	v.keys[gen] = next
}

// encryptionKey returns the key new content under gen is encrypted with:
// the highest candidate, so devices holding the same candidates agree.
func (v *values) encryptionKey(gen uint64) []byte {
	cands := v.keys[gen]
	if len(cands) == 0 {
		return nil
	}
	return cands[len(cands)-1]
}

func (v *values) activeMemberIDs() []types.AccountID {
	ids := make([]types.AccountID, 0, len(v.members))
	for id, m := range v.members {
		if m.Active() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (v *values) isKnownHash(hash string) bool {
	return hash == v.infoHash || hash == v.membersHash || slices.Contains(v.keyHashes, hash)
}

// State is the config of one group on this device.
type State struct {
	group        types.GroupID
	groupKey     ed25519.PublicKey
	self         types.AccountID
	identitySeed []byte
	now          func() time.Time

	mu    sync.RWMutex
	admin *signing.Ed25519Signer
	cur   *values
}

// Config configures a State.
type Config struct {
	Group types.GroupID

	// IdentitySeed is this device's ed25519 identity seed.
	IdentitySeed []byte

	// AdminSeed is the group admin seed, nil on non-admin devices.
	AdminSeed []byte

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// New creates an empty State.
func New(cfg Config) (*State, error) {
	groupKey, err := cfg.Group.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("group id: %w", err)
	}
	identity, err := signing.NewEd25519Signer(cfg.IdentitySeed)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &State{
		group:        cfg.Group,
		groupKey:     groupKey,
		self:         identity.AccountID(),
		identitySeed: cfg.IdentitySeed,
		now:          cfg.Now,
		cur:          newValues(),
	}
	if cfg.AdminSeed != nil {
		if err := s.SetAdminKey(cfg.AdminSeed); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Group returns the group id.
func (s *State) Group() types.GroupID {
	return s.group
}

// Self returns this device's account id.
func (s *State) Self() types.AccountID {
	return s.self
}

// SetAdminKey installs the admin seed, e.g. after a promotion.
func (s *State) SetAdminKey(seed []byte) error {
	admin, err := signing.NewEd25519Signer(seed)
	if err != nil {
		return fmt.Errorf("admin key: %w", err)
	}
	if admin.GroupID() != s.group {
		return fmt.Errorf("admin key does not match group %s", s.group.Short())
	}
	s.mu.Lock()
	s.admin = admin
	s.mu.Unlock()
	return nil
}

// Admin returns the admin signer or nil.
func (s *State) Admin() *signing.Ed25519Signer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admin
}

// IsAdmin reports whether the admin key is present.
func (s *State) IsAdmin() bool {
	return s.Admin() != nil
}

// Begin starts a transaction over a private copy of the current values.
// Callers must hold the group's mutation lock.
func (s *State) Begin() *Txn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Txn{st: s, v: s.cur.clone(), admin: s.admin}
}

// ActiveGeneration returns the generation used for new content.
func (s *State) ActiveGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.active
}

// ActiveHashes returns the hashes of every live config message.
func (s *State) ActiveHashes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.cur.keyHashes)
	if s.cur.infoHash != "" {
		out = append(out, s.cur.infoHash)
	}
	if s.cur.membersHash != "" {
		out = append(out, s.cur.membersHash)
	}
	return out
}

// Snapshot is an immutable view for readers.
type Snapshot struct {
	Group       types.GroupID
	Info        Info
	Members     []types.Member
	Generation  uint64
	Generations int
	Admin       bool
}

// Member looks up a member in the snapshot.
func (s Snapshot) Member(id types.AccountID) (types.Member, bool) {
	for _, m := range s.Members {
		if m.ID == id {
			return m, true
		}
	}
	return types.Member{}, false
}

// Admins returns the ids of active admin members.
func (s Snapshot) Admins() []types.AccountID {
	var out []types.AccountID
	for _, m := range s.Members {
		if m.Active() && m.Admin {
			out = append(out, m.ID)
		}
	}
	return out
}

// Snapshot returns the current committed state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]types.Member, 0, len(s.cur.members))
	for _, id := range slices.Sorted(maps.Keys(s.cur.members)) {
		members = append(members, s.cur.members[id])
	}
	return Snapshot{
		Group:       s.group,
		Info:        s.cur.info,
		Members:     members,
		Generation:  s.cur.active,
		Generations: len(s.cur.keys),
		Admin:       s.admin != nil,
	}
}

// EncryptMessage encrypts a group message with the active generation.
func (s *State) EncryptMessage(plaintext []byte) ([]byte, error) {
	s.mu.RLock()
	gen, key := s.cur.active, s.cur.encryptionKey(s.cur.active)
	s.mu.RUnlock()

	if key == nil {
		return nil, ErrNoKeys
	}
	ct, err := sealing.Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(messageEnvelope{Generation: gen, Ciphertext: ct})
}

// EncryptForMember encrypts content for a single member using the active
// generation, falling back to sealing it to the member when the group has
// no keys.
func (s *State) EncryptForMember(member types.AccountID, plaintext []byte) ([]byte, error) {
	data, err := s.EncryptMessage(plaintext)
	if !errors.Is(err, ErrNoKeys) {
		return data, err
	}
	return s.sealToRecipients([]types.AccountID{member}, plaintext)
}

// EncryptForGroup encrypts content for every active member, falling back to
// per-recipient sealing when the group has no keys.
func (s *State) EncryptForGroup(plaintext []byte) ([]byte, error) {
	data, err := s.EncryptMessage(plaintext)
	if !errors.Is(err, ErrNoKeys) {
		return data, err
	}
	s.mu.RLock()
	ids := s.cur.activeMemberIDs()
	s.mu.RUnlock()
	return s.sealToRecipients(ids, plaintext)
}

func (s *State) sealToRecipients(ids []types.AccountID, plaintext []byte) ([]byte, error) {
	contentKey, err := sealing.NewKey()
	if err != nil {
		return nil, err
	}
	ct, err := sealing.Encrypt(contentKey, plaintext)
	if err != nil {
		return nil, err
	}
	recipients, err := sealTo(s.group, ids, contentKey)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(messageEnvelope{Ciphertext: ct, Recipients: recipients})
}

// DecryptMessage decrypts data produced by any of the Encrypt methods.
func (s *State) DecryptMessage(data []byte) ([]byte, error) {
	var env messageEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}
	if env.Generation == 0 {
		contentKey, ok := s.open(s.Admin(), env.Recipients)
		if !ok {
			return nil, sealing.ErrDecrypt
		}
		return sealing.Decrypt(contentKey, env.Ciphertext)
	}

	s.mu.RLock()
	cands, active := s.cur.keys[env.Generation], s.cur.active
	s.mu.RUnlock()

	if len(cands) == 0 {
		if env.Generation > active {
			return nil, fmt.Errorf("%w: %d", ErrGenerationAhead, env.Generation)
		}
		return nil, fmt.Errorf("%w: %d", ErrUnknownGeneration, env.Generation)
	}
	err := sealing.ErrDecrypt
	for _, key := range slices.Backward(cands) {
		var plain []byte
		if plain, err = sealing.Decrypt(key, env.Ciphertext); err == nil {
			return plain, nil
		}
	}
	return nil, err
}

// AwaitsKeys reports whether data is group content under a generation newer
// than any merged one. Such content becomes readable after the next merge.
func (s *State) AwaitsKeys(data []byte) bool {
	var env messageEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return env.Generation > s.cur.active
}

// SealMessage encodes and encrypts a group message for the whole group.
func (s *State) SealMessage(msg types.GroupMessage) ([]byte, error) {
	plain, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return s.EncryptForGroup(plain)
}

// OpenMessage decrypts and decodes a group message.
func (s *State) OpenMessage(data []byte) (types.GroupMessage, error) {
	var msg types.GroupMessage
	plain, err := s.DecryptMessage(data)
	if err != nil {
		return msg, err
	}
	if err := msgpack.Unmarshal(plain, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// SealNotice encrypts a kicked notice for the removed member with the
// generation active before the removal.
func (s *State) SealNotice(notice types.KickedNotice) ([]byte, error) {
	plain, err := msgpack.Marshal(notice)
	if err != nil {
		return nil, fmt.Errorf("encode notice: %w", err)
	}
	return s.EncryptForMember(notice.Member, plain)
}

// OpenNotice decrypts a kicked notice.
func (s *State) OpenNotice(data []byte) (types.KickedNotice, error) {
	var notice types.KickedNotice
	plain, err := s.DecryptMessage(data)
	if err != nil {
		return notice, err
	}
	if err := msgpack.Unmarshal(plain, &notice); err != nil {
		return notice, fmt.Errorf("decode notice: %w", err)
	}
	return notice, nil
}

type dump struct {
	Keys        map[uint64][][]byte `msgpack:"keys"`
	Active      uint64              `msgpack:"active"`
	KeyHashes   []string            `msgpack:"key_hashes"`
	Info        Info                `msgpack:"info"`
	InfoSeq     uint64              `msgpack:"info_seq"`
	InfoHash    string              `msgpack:"info_hash"`
	Members     []types.Member      `msgpack:"members"`
	MembersSeq  uint64              `msgpack:"members_seq"`
	MembersHash string              `msgpack:"members_hash"`
	Obsolete    []string            `msgpack:"obsolete"`
}

// Dump serializes the committed state for local persistence.
func (s *State) Dump() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := s.cur
	d := dump{
		Keys:        v.keys,
		Active:      v.active,
		KeyHashes:   v.keyHashes,
		Info:        v.info,
		InfoSeq:     v.infoSeq,
		InfoHash:    v.infoHash,
		MembersSeq:  v.membersSeq,
		MembersHash: v.membersHash,
		Obsolete:    v.obsolete,
	}
	for _, id := range slices.Sorted(maps.Keys(v.members)) {
		d.Members = append(d.Members, v.members[id])
	}
	return msgpack.Marshal(d)
}

// Load replaces the committed state with a dump.
func (s *State) Load(data []byte) error {
	var d dump
	if err := msgpack.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("decode config dump: %w", err)
	}

	v := newValues()
	maps.Copy(v.keys, d.Keys)
	v.active = d.Active
	v.keyHashes = d.KeyHashes
	v.info = d.Info
	v.infoSeq = d.InfoSeq
	v.infoHash = d.InfoHash
	for _, m := range d.Members {
		v.members[m.ID] = m
	}
	v.membersSeq = d.MembersSeq
	v.membersHash = d.MembersHash
	v.obsolete = d.Obsolete

	s.mu.Lock()
	s.cur = v
	s.mu.Unlock()
	return nil
}

// open decrypts a sealed recipient entry addressed to this device.
func (s *State) open(admin *signing.Ed25519Signer, recipients map[string][]byte) ([]byte, bool) {
	if admin != nil {
		if sealed, ok := recipients[string(s.group)]; ok {
			if out, err := sealing.Open(admin.Seed(), sealed); err == nil {
				return out, true
			}
		}
	}
	if sealed, ok := recipients[string(s.self)]; ok {
		if out, err := sealing.Open(s.identitySeed, sealed); err == nil {
			return out, true
		}
	}
	return nil, false
}
