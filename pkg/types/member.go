package types

// InviteStatus tracks delivery of a member's invitation.
type InviteStatus int

const (
	InviteNotSent InviteStatus = iota
	InviteSent
	InviteFailed
)

func (s InviteStatus) String() string {
	switch s {
	case InviteSent:
		return "sent"
	case InviteFailed:
		return "failed"
	default:
		return "not-sent"
	}
}

// PromotionStatus tracks delivery of a member's promotion.
type PromotionStatus int

const (
	PromotionNone PromotionStatus = iota
	PromotionSent
	PromotionFailed
)

func (s PromotionStatus) String() string {
	switch s {
	case PromotionSent:
		return "sent"
	case PromotionFailed:
		return "failed"
	default:
		return "none"
	}
}

// Member is a record in the group members config.
// Removed members are tombstoned, never deleted.
type Member struct {
	ID         AccountID       `msgpack:"id"`
	Name       string          `msgpack:"name,omitempty"`
	ProfilePic string          `msgpack:"pic,omitempty"`
	Invite     InviteStatus    `msgpack:"invite"`
	Promotion  PromotionStatus `msgpack:"promotion"`
	Admin      bool            `msgpack:"admin"`
	Removed    bool            `msgpack:"removed"`

	// Supplement is set when the member was granted history access without a rekey.
	Supplement bool `msgpack:"supplement"`
}

// Active reports whether the member is part of the current member set.
func (m Member) Active() bool {
	return !m.Removed
}
