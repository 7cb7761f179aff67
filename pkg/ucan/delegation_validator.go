// Package ucan issues and validates subaccount tokens: UCAN delegations from
// a group admin key to a member identity.
package ucan

import (
	"fmt"
	"time"

	"github.com/storacha/go-ucanto/core/delegation"

	"github.com/relves/swarmgroups/pkg/types"
)

// TokenError represents an error with subaccount token validation.
type TokenError struct {
	Code    string
	Message string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewTokenError creates a new token error.
func NewTokenError(code, message string) *TokenError {
	return &TokenError{Code: code, Message: message}
}

// Error codes for token validation
const (
	ErrCodeTokenExpired           = "TOKEN_EXPIRED"
	ErrCodeTokenWrongAudience     = "TOKEN_WRONG_AUDIENCE"
	ErrCodeTokenWrongIssuer       = "TOKEN_WRONG_ISSUER"
	ErrCodeTokenMissingCapability = "TOKEN_MISSING_CAPABILITY"
	ErrCodeTokenParseError        = "TOKEN_PARSE_ERROR"
	ErrCodeTokenRevoked           = "TOKEN_REVOKED"
)

// FormatToken encodes a delegation for transport in an invitation.
func FormatToken(dlg delegation.Delegation) (string, error) {
	encoded, err := delegation.Format(dlg)
	if err != nil {
		return "", fmt.Errorf("format token: %w", err)
	}
	return encoded, nil
}

// ParseToken parses a formatted subaccount token.
func ParseToken(encoded string) (delegation.Delegation, error) {
	dlg, err := delegation.Parse(encoded)
	if err != nil {
		return nil, NewTokenError(ErrCodeTokenParseError,
			fmt.Sprintf("failed to parse token: %v", err))
	}
	return dlg, nil
}

// ValidateSubaccountToken checks that a token was issued by the group admin
// key to holderDID and grants the required ability on the group.
func ValidateSubaccountToken(dlg delegation.Delegation, group types.GroupID, holderDID string, ability string) error {
	groupDID, err := GroupDID(group)
	if err != nil {
		return NewTokenError(ErrCodeTokenParseError, err.Error())
	}

	issuer := dlg.Issuer().DID().String()
	if issuer != groupDID {
		return NewTokenError(ErrCodeTokenWrongIssuer,
			fmt.Sprintf("token issuer is %s, expected group DID %s", issuer, groupDID))
	}

	audience := dlg.Audience().DID().String()
	if audience != holderDID {
		return NewTokenError(ErrCodeTokenWrongAudience,
			fmt.Sprintf("token audience is %s, expected %s", audience, holderDID))
	}

	exp := dlg.Expiration()
	if exp != nil {
		expTime := time.Unix(int64(*exp), 0)
		if time.Now().After(expTime) {
			return NewTokenError(ErrCodeTokenExpired,
				fmt.Sprintf("token expired at %s", expTime))
		}
	}

	resource := types.ResourceURI(group)
	for _, cap := range dlg.Capabilities() {
		if cap.With() == resource && CapabilityAllows(cap.Can(), ability) {
			return nil
		}
	}
	return NewTokenError(ErrCodeTokenMissingCapability,
		fmt.Sprintf("token does not grant %s on %s", ability, resource))
}

// ValidateTokenString parses and validates a formatted token in one step.
func ValidateTokenString(encoded string, group types.GroupID, holder types.AccountID, ability string) (delegation.Delegation, error) {
	dlg, err := ParseToken(encoded)
	if err != nil {
		return nil, err
	}
	holderDID, err := AccountDID(holder)
	if err != nil {
		return nil, NewTokenError(ErrCodeTokenParseError, err.Error())
	}
	if err := ValidateSubaccountToken(dlg, group, holderDID, ability); err != nil {
		return nil, err
	}
	return dlg, nil
}

// TokenHolder returns the audience DID of a token.
func TokenHolder(dlg delegation.Delegation) string {
	return dlg.Audience().DID().String()
}
