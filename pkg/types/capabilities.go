// pkg/types/capabilities.go
package types

// Capability constants for subaccount tokens.
const (
	CapabilityAll    = "group/*"
	CapabilityRead   = "group/read"
	CapabilityWrite  = "group/write"
	CapabilityRevoke = "group/admin/revoke"
)

// ResourceURI creates a resource URI for a group.
func ResourceURI(id GroupID) string {
	return "group://" + string(id)
}
