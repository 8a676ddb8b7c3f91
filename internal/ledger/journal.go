package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeChallengeFee JournalType = iota
	JournalTypeAcceptFee
	JournalTypeVoteFee
	JournalTypePosterPayout
	JournalTypeVoterPayout
	JournalTypeBurn
	JournalTypeTreasury
	JournalTypeRefund
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeChallengeFee:
		return "challenge_fee"
	case JournalTypeAcceptFee:
		return "accept_fee"
	case JournalTypeVoteFee:
		return "vote_fee"
	case JournalTypePosterPayout:
		return "poster_payout"
	case JournalTypeVoterPayout:
		return "voter_payout"
	case JournalTypeBurn:
		return "burn"
	case JournalTypeTreasury:
		return "treasury"
	case JournalTypeRefund:
		return "refund"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string     // battle id
	Sequence      int64      // leg order within the batch
	DebitAccount  AccountKey // balance increases
	CreditAccount AccountKey // balance decreases
	Amount        int64      // ALWAYS positive
	JournalType   JournalType
	Timestamp     int64 // epoch microseconds
}

// Batch groups the journals produced for one battle.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal is balanced by
// construction (one positive amount moves from credit to debit), so the
// batch as a whole always nets to zero.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
