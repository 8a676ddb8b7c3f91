package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// Movement is one amount entering or leaving a battle's pot.
type Movement struct {
	Account AccountKey
	Type    JournalType
	Amount  int64
}

// JournalGenerator builds balanced journal batches for battles.
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// GenerateSettlement journals the fees collected into the pot and every
// leg paid out of it. Zero amounts are skipped.
// Collected fees move: external:payments -> participant -> pot.
// Payouts move: pot -> recipient.
func (jg *JournalGenerator) GenerateSettlement(
	battleID string,
	collected []Movement,
	paid []Movement,
	timestamp int64,
) (*Batch, error) {
	batchID := uuid.New()
	batch := &Batch{
		BatchID:   batchID,
		EventRef:  battleID,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 2*len(collected)+len(paid)),
	}
	pot := NewPotAccount(battleID)

	var seq int64
	add := func(debit, credit AccountKey, typ JournalType, amount int64) {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      battleID,
			Sequence:      seq,
			DebitAccount:  debit,
			CreditAccount: credit,
			Amount:        amount,
			JournalType:   typ,
			Timestamp:     timestamp,
		})
		seq++
	}

	for _, m := range collected {
		if m.Amount < 0 {
			return nil, fmt.Errorf("negative collected amount for %s", m.Account.AccountPath())
		}
		if m.Amount == 0 {
			continue
		}
		add(m.Account, NewExternalAccount(), m.Type, m.Amount)
		add(pot, m.Account, m.Type, m.Amount)
	}
	for _, m := range paid {
		if m.Amount < 0 {
			return nil, fmt.Errorf("negative payout amount for %s", m.Account.AccountPath())
		}
		if m.Amount == 0 {
			continue
		}
		add(m.Account, pot, m.Type, m.Amount)
	}

	if len(batch.Journals) == 0 {
		return batch, nil
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}
