// pkg/ucan/capabilities.go
package ucan

import (
	"fmt"
	"strings"

	"github.com/relves/swarmgroups/pkg/types"
)

// CapabilityInfo represents a validated capability
type CapabilityInfo struct {
	With string
	Can  string
}

// CapabilityAllows checks if a held capability grants the required capability.
func CapabilityAllows(held, required string) bool {
	if held == types.CapabilityAll {
		return true
	}

	if held == required {
		return true
	}

	// Hierarchical: group/admin allows group/admin/*
	return strings.HasPrefix(required, held+"/")
}

// ParseResourceGroup extracts the group ID from a resource URI.
func ParseResourceGroup(resource string) (types.GroupID, error) {
	prefix := "group://"
	if !strings.HasPrefix(resource, prefix) {
		return "", fmt.Errorf("invalid resource URI: %s", resource)
	}
	return types.GroupID(strings.TrimPrefix(resource, prefix)), nil
}
