package ledger

import "fmt"

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}

// PotGap reports how far the pot of battleID was overdrawn: the amount
// paid out beyond what was collected. Zero when the pot covers every leg.
func (v *InvariantValidator) PotGap(battleID string) int64 {
	if balance := v.tracker.GetBalance(NewPotAccount(battleID)); balance < 0 {
		return -balance
	}
	return 0
}

// ValidatePotCovered fails when the pot of battleID is overdrawn.
func (v *InvariantValidator) ValidatePotCovered(battleID string) error {
	if gap := v.PotGap(battleID); gap > 0 {
		return fmt.Errorf("pot for battle %s overdrawn by %d", battleID, gap)
	}
	return nil
}

// ValidateSinks fails when the burn or treasury account went negative.
// Those accounts only ever receive.
func (v *InvariantValidator) ValidateSinks() error {
	for _, key := range []AccountKey{NewBurnAccount(), NewTreasuryAccount()} {
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}
