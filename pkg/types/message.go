package types

// ChangeType is the kind of membership change announced to the group.
type ChangeType string

const (
	ChangeAdded    ChangeType = "ADDED"
	ChangeRemoved  ChangeType = "REMOVED"
	ChangePromoted ChangeType = "PROMOTED"
)

// MemberChange is broadcast by an admin after a membership mutation. The
// signature covers the canonical encoding of (type, timestamp).
type MemberChange struct {
	Type          ChangeType  `msgpack:"type"`
	Members       []AccountID `msgpack:"members"`
	Timestamp     int64       `msgpack:"ts"`
	HistoryShared bool        `msgpack:"history,omitempty"`
	Signature     []byte      `msgpack:"sig"`
}

// DeleteMemberContent asks every device to drop content authored by the
// listed members. Signed by the admin over (members, timestamp).
type DeleteMemberContent struct {
	Members   []AccountID `msgpack:"members"`
	Hashes    []string    `msgpack:"hashes,omitempty"`
	Timestamp int64       `msgpack:"ts"`
	Signature []byte      `msgpack:"sig"`
}

// MessageKind discriminates group messages.
type MessageKind int

const (
	KindVisible MessageKind = iota
	KindMemberChange
	KindMemberLeft
	KindMemberLeftNotification
	KindDeleteMemberContent
)

func (k MessageKind) String() string {
	switch k {
	case KindVisible:
		return "visible"
	case KindMemberChange:
		return "member-change"
	case KindMemberLeft:
		return "member-left"
	case KindMemberLeftNotification:
		return "member-left-notification"
	case KindDeleteMemberContent:
		return "delete-member-content"
	default:
		return "unknown"
	}
}

// GroupMessage is the decrypted payload of a GROUP_MESSAGES entry.
type GroupMessage struct {
	Kind          MessageKind          `msgpack:"kind"`
	Sender        AccountID            `msgpack:"sender"`
	Timestamp     int64                `msgpack:"ts"`
	Body          []byte               `msgpack:"body,omitempty"`
	MemberChange  *MemberChange        `msgpack:"change,omitempty"`
	DeleteContent *DeleteMemberContent `msgpack:"delete,omitempty"`
}

// KickedNotice is stored in REVOKED_GROUP_MESSAGES for a removed member,
// encrypted with the key generation the member is about to lose.
type KickedNotice struct {
	Member     AccountID `msgpack:"member"`
	Generation uint64    `msgpack:"gen"`
	Timestamp  int64     `msgpack:"ts"`
}
