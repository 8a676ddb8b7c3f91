// Package settlement decides battle outcomes and moves the collected
// fees: payouts for two-sided battles, refunds for one-sided and
// canceled ones.
package settlement

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"BattleLedger/internal/battle"
	fpmath "BattleLedger/internal/math"

	"github.com/shopspring/decimal"
)

// Rates are the fractions applied during a two-sided payout.
type Rates struct {
	Burn     decimal.Decimal
	Treasury decimal.Decimal
	Poster   decimal.Decimal
	Voter    decimal.Decimal
}

// DefaultRates returns the production split.
func DefaultRates() Rates {
	return Rates{
		Burn:     fpmath.MustRate("0.0025"),
		Treasury: fpmath.MustRate("0.0175"),
		Poster:   fpmath.MustRate("0.55"),
		Voter:    fpmath.MustRate("0.45"),
	}
}

// Fees are the per-role entry fees of one battle.
type Fees struct {
	Challenge int64
	Accept    int64
	Vote      int64
}

// FeesOf reads the fee snapshot stored on b.
func FeesOf(b *battle.Battle) Fees {
	return Fees{Challenge: b.ChallengeFee, Accept: b.AcceptFee, Vote: b.VoteFee}
}

// Outcome is the class of result a battle settles into.
type Outcome string

const (
	OutcomeNoVotes  Outcome = "no_votes"
	OutcomeDraw     Outcome = "draw"
	OutcomeOneSided Outcome = "one_sided"
	OutcomeTwoSided Outcome = "two_sided"
)

// Status is the terminal battle status for o.
func (o Outcome) Status() battle.Status {
	switch o {
	case OutcomeNoVotes:
		return battle.StatusCompletedNoVotes
	case OutcomeDraw:
		return battle.StatusDraw
	case OutcomeOneSided:
		return battle.StatusCanceledOneSided
	default:
		return battle.StatusPaid
	}
}

// DecideOutcome classifies a battle from its voter counts. Rules are
// evaluated in order: no votes, tie, one side empty, two-sided.
func DecideOutcome(votesA, votesB int64) (Outcome, battle.Side) {
	switch {
	case votesA+votesB == 0:
		return OutcomeNoVotes, ""
	case votesA == votesB:
		return OutcomeDraw, ""
	case votesA == 0:
		return OutcomeOneSided, battle.SideB
	case votesB == 0:
		return OutcomeOneSided, battle.SideA
	case votesA > votesB:
		return OutcomeTwoSided, battle.SideA
	default:
		return OutcomeTwoSided, battle.SideB
	}
}

// Amounts is the arithmetic of a two-sided payout.
type Amounts struct {
	CreatorFees         int64 `json:"creator_fees"`
	VotingPool          int64 `json:"voting_pool"`
	Burn                int64 `json:"burn"`
	Treasury            int64 `json:"treasury"`
	AvailableVotingPool int64 `json:"available_voting_pool"`
	PrizePool           int64 `json:"prize_pool"`
	PosterAmount        int64 `json:"poster_amount"`
	BaseVoterAmount     int64 `json:"base_voter_amount"`
	LosingSideFees      int64 `json:"losing_side_fees"`
	VoterAmount         int64 `json:"voter_amount"`
	VoterSplit          int64 `json:"voter_split"`

	// Pot is everything collected; TotalOutflow is everything the legs pay.
	Pot          int64 `json:"pot"`
	TotalOutflow int64 `json:"total_outflow"`
	// ConservationGap is TotalOutflow beyond Pot. The losing side's fees
	// are already inside the voting pool and are added to the voter amount
	// a second time, so the gap equals LosingSideFees less rounding dust.
	ConservationGap int64 `json:"conservation_gap"`
}

// ComputePlan runs the payout arithmetic for winners and losers voters.
// All rates floor to whole units; dust stays unallocated.
func ComputePlan(fees Fees, rates Rates, winners, losers int64) (Amounts, error) {
	if winners <= 0 {
		return Amounts{}, fmt.Errorf("two-sided payout needs winners, got %d", winners)
	}
	var a Amounts
	var err error

	a.CreatorFees = fees.Challenge + fees.Accept
	if a.VotingPool, err = fpmath.MultiplyChecked(winners+losers, fees.Vote); err != nil {
		return Amounts{}, err
	}
	a.Burn = fpmath.ApplyRate(a.VotingPool, rates.Burn, fpmath.RoundDown)
	a.Treasury = fpmath.ApplyRate(a.VotingPool, rates.Treasury, fpmath.RoundDown)
	a.AvailableVotingPool = a.VotingPool - a.Burn - a.Treasury
	a.PrizePool = a.CreatorFees + a.AvailableVotingPool
	a.PosterAmount = fpmath.ApplyRate(a.PrizePool, rates.Poster, fpmath.RoundDown)
	a.BaseVoterAmount = fpmath.ApplyRate(a.PrizePool, rates.Voter, fpmath.RoundDown)
	if a.LosingSideFees, err = fpmath.MultiplyChecked(losers, fees.Vote); err != nil {
		return Amounts{}, err
	}
	a.VoterAmount = a.BaseVoterAmount + a.LosingSideFees
	a.VoterSplit = fpmath.Split(a.VoterAmount, winners, fpmath.RoundDown)

	a.Pot = a.CreatorFees + a.VotingPool
	a.TotalOutflow = a.PosterAmount + a.VoterSplit*winners + a.Burn + a.Treasury
	if a.TotalOutflow > a.Pot {
		a.ConservationGap = a.TotalOutflow - a.Pot
	}
	return a, nil
}

// LegKind is what a payout leg pays for.
type LegKind string

const (
	LegPoster   LegKind = "poster"
	LegVoter    LegKind = "voter"
	LegBurn     LegKind = "burn"
	LegTreasury LegKind = "treasury"
)

// Leg is one transfer of a plan. Seq is stable once the plan is stored
// and forms the transfer idempotency key.
type Leg struct {
	Seq    int     `json:"seq"`
	Kind   LegKind `json:"kind"`
	To     string  `json:"to"`
	Amount int64   `json:"amount"`
}

// Plan is the full settlement decision, persisted on the battle before
// any funds move and never recomputed.
type Plan struct {
	Outcome       Outcome     `json:"outcome"`
	Winner        battle.Side `json:"winner,omitempty"`
	VotersA       []string    `json:"voters_a"`
	VotersB       []string    `json:"voters_b"`
	Fees          Fees        `json:"fees"`
	Amounts       Amounts     `json:"amounts"`
	Legs          []Leg       `json:"legs,omitempty"`
	ComputedAt    time.Time   `json:"computed_at"`
	ChallengePaid bool        `json:"challenge_paid"`
	AcceptPaid    bool        `json:"accept_paid"`
}

// Addresses are the system destinations of a payout.
type Addresses struct {
	Burn     string
	Treasury string
}

// BuildPlan decides b's outcome from the voter sets and, for a two-sided
// battle, lays out the legs: poster, each winning voter in sorted order,
// burn, treasury. Zero-amount legs are omitted.
func BuildPlan(b *battle.Battle, votersA, votersB []string, rates Rates, addrs Addresses, now time.Time) (*Plan, error) {
	a := append([]string(nil), votersA...)
	bs := append([]string(nil), votersB...)
	sort.Strings(a)
	sort.Strings(bs)

	p := &Plan{
		VotersA:       a,
		VotersB:       bs,
		Fees:          FeesOf(b),
		ComputedAt:    now,
		ChallengePaid: b.ChallengerPaid,
		AcceptPaid:    b.AcceptorPaid,
	}
	p.Outcome, p.Winner = DecideOutcome(int64(len(a)), int64(len(bs)))
	if p.Outcome != OutcomeTwoSided {
		return p, nil
	}

	winners, losers := a, bs
	if p.Winner == battle.SideB {
		winners, losers = bs, a
	}
	fees := p.Fees
	if !b.AcceptorPaid {
		fees.Accept = 0
	}
	amounts, err := ComputePlan(fees, rates, int64(len(winners)), int64(len(losers)))
	if err != nil {
		return nil, fmt.Errorf("compute plan for %s: %w", b.ID, err)
	}
	p.Amounts = amounts

	poster := b.Participant(p.Winner)
	legs := []Leg{{Kind: LegPoster, To: poster, Amount: amounts.PosterAmount}}
	for _, v := range winners {
		legs = append(legs, Leg{Kind: LegVoter, To: v, Amount: amounts.VoterSplit})
	}
	legs = append(legs,
		Leg{Kind: LegBurn, To: addrs.Burn, Amount: amounts.Burn},
		Leg{Kind: LegTreasury, To: addrs.Treasury, Amount: amounts.Treasury},
	)
	for _, l := range legs {
		if l.Amount <= 0 {
			continue
		}
		l.Seq = len(p.Legs)
		p.Legs = append(p.Legs, l)
	}
	return p, nil
}

// Winners returns the voters on the winning side.
func (p *Plan) Winners() []string {
	if p.Winner == battle.SideB {
		return p.VotersB
	}
	return p.VotersA
}

// Losers returns the voters on the losing side.
func (p *Plan) Losers() []string {
	if p.Winner == battle.SideB {
		return p.VotersA
	}
	return p.VotersB
}

// Encode renders p for the battle record.
func (p *Plan) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode plan: %w", err)
	}
	return string(data), nil
}

// DecodePlan parses a stored plan.
func DecodePlan(s string) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}
