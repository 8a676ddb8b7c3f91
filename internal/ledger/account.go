package ledger

import "fmt"

// AccountScope is the top-level account namespace.
type AccountScope uint8

const (
	AccountScopeParticipant AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType is the account purpose.
type AccountSubType uint8

const (
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypePot
	SubTypeBurn
	SubTypeTreasury

	// External sub-types
	SubTypeExternalPayments
)

// AccountKey identifies one balance. Entity is a wallet address for
// participants and a battle id for pots.
type AccountKey struct {
	Scope   AccountScope
	Entity  string
	SubType AccountSubType
}

// NewParticipantAccount is the account of a wallet taking part in a battle.
func NewParticipantAccount(addr string) AccountKey {
	return AccountKey{Scope: AccountScopeParticipant, Entity: addr, SubType: SubTypeWallet}
}

// NewPotAccount holds everything collected for one battle.
func NewPotAccount(battleID string) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, Entity: battleID, SubType: SubTypePot}
}

func NewBurnAccount() AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: SubTypeBurn}
}

func NewTreasuryAccount() AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: SubTypeTreasury}
}

// NewExternalAccount is the boundary funds enter through.
func NewExternalAccount() AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: SubTypeExternalPayments}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeParticipant:
		return fmt.Sprintf("participant:%s:%s", k.Entity, k.subTypeName())
	case AccountScopeSystem:
		if k.Entity == "" {
			return fmt.Sprintf("system:%s", k.subTypeName())
		}
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Entity)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypePot:
		return "pot"
	case SubTypeBurn:
		return "burn"
	case SubTypeTreasury:
		return "treasury"
	case SubTypeExternalPayments:
		return "payments"
	default:
		return "unknown"
	}
}
