package types

import "fmt"

// Namespace is a swarm storage partition. Each namespace is paginated
// independently by its last-seen hash.
type Namespace int

const (
	NamespaceGroupMessages        Namespace = 11
	NamespaceGroupKeys            Namespace = 12
	NamespaceGroupInfo            Namespace = 13
	NamespaceGroupMembers         Namespace = 14
	NamespaceRevokedGroupMessages Namespace = -11
)

// ConfigNamespaces are merged together, keys first.
var ConfigNamespaces = []Namespace{
	NamespaceGroupKeys,
	NamespaceGroupInfo,
	NamespaceGroupMembers,
}

func (n Namespace) String() string {
	switch n {
	case NamespaceGroupMessages:
		return "GROUP_MESSAGES"
	case NamespaceGroupKeys:
		return "GROUP_KEYS"
	case NamespaceGroupInfo:
		return "GROUP_INFO"
	case NamespaceGroupMembers:
		return "GROUP_MEMBERS"
	case NamespaceRevokedGroupMessages:
		return "REVOKED_GROUP_MESSAGES"
	default:
		return fmt.Sprintf("NAMESPACE(%d)", int(n))
	}
}

// IsConfig reports whether the namespace holds admin-signed config.
func (n Namespace) IsConfig() bool {
	return n == NamespaceGroupKeys || n == NamespaceGroupInfo || n == NamespaceGroupMembers
}

// ConfigMessage is an immutable message retrieved from a namespace.
type ConfigMessage struct {
	Hash      string
	Data      []byte
	Timestamp int64
}
