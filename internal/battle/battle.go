// Package battle owns the battle record, its status machine and the
// indexes used to find battles by status and by end time.
package battle

import (
	"strconv"
	"strings"
	"time"

	"BattleLedger/internal/apperr"
)

// Side is one of the two competing entries. A is always the challenger.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// ParseSide accepts "A"/"B" in either case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(s) {
	case "A":
		return SideA, nil
	case "B":
		return SideB, nil
	default:
		return "", apperr.Validation("invalid_side", "side must be A or B, got %q", s)
	}
}

// Other returns the opposing side.
func (s Side) Other() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// Battle is the persisted battle record.
type Battle struct {
	ID                string `json:"id"`
	Challenger        string `json:"challenger"`
	ChallengerContent string `json:"challenger_content"`
	// Target is set for a challenge aimed at one account; empty for open battles.
	Target          string `json:"target,omitempty"`
	Acceptor        string `json:"acceptor,omitempty"`
	AcceptorContent string `json:"acceptor_content,omitempty"`
	Status          Status `json:"status"`

	CreatedAt   time.Time     `json:"created_at"`
	AcceptedAt  time.Time     `json:"accepted_at,omitempty"`
	EndsAt      time.Time     `json:"ends_at,omitempty"`
	ExpiresAt   time.Time     `json:"expires_at,omitempty"`
	SettledAt   time.Time     `json:"settled_at,omitempty"`
	RunDuration time.Duration `json:"run_duration"`

	// Fees are fixed at creation so a config change never affects a
	// battle in flight.
	ChallengeFee int64 `json:"challenge_fee"`
	AcceptFee    int64 `json:"accept_fee"`
	VoteFee      int64 `json:"vote_fee"`

	Votes  int64 `json:"votes"`
	VotesA int64 `json:"votes_a"`
	VotesB int64 `json:"votes_b"`
	Winner Side  `json:"winner,omitempty"`

	Pot          int64 `json:"pot"`
	Burn         int64 `json:"burn"`
	Treasury     int64 `json:"treasury"`
	PosterAmount int64 `json:"poster_amount"`
	VoterAmount  int64 `json:"voter_amount"`
	VoterSplit   int64 `json:"voter_split"`
	// Plan is the settlement plan, encoded by the settlement engine and
	// stored before any transfer.
	Plan string `json:"-"`

	ChallengerPaid     bool   `json:"challenger_paid"`
	AcceptorPaid       bool   `json:"acceptor_paid"`
	ChallengerTx       string `json:"challenger_tx,omitempty"`
	AcceptorTx         string `json:"acceptor_tx,omitempty"`
	Refunded           bool   `json:"refunded"`
	ChallengerRefunded bool   `json:"challenger_refunded"`
	AcceptorRefunded   bool   `json:"acceptor_refunded"`
	VotersRefunded     bool   `json:"voters_refunded"`
	CancelReason       string `json:"cancel_reason,omitempty"`

	Meta map[string]string `json:"meta,omitempty"`
}

// Hash field names.
const (
	FieldID                 = "id"
	FieldChallenger         = "challenger"
	FieldChallengerContent  = "challenger_content"
	FieldTarget             = "target"
	FieldAcceptor           = "acceptor"
	FieldAcceptorContent    = "acceptor_content"
	FieldStatus             = "status"
	FieldCreatedAt          = "created_at"
	FieldAcceptedAt         = "accepted_at"
	FieldEndsAt             = "ends_at"
	FieldExpiresAt          = "expires_at"
	FieldSettledAt          = "settled_at"
	FieldRunDuration        = "run_duration_ms"
	FieldChallengeFee       = "challenge_fee"
	FieldAcceptFee          = "accept_fee"
	FieldVoteFee            = "vote_fee"
	FieldVotes              = "votes"
	FieldVotesA             = "votes_a"
	FieldVotesB             = "votes_b"
	FieldWinner             = "winner"
	FieldPot                = "pot"
	FieldBurn               = "burn"
	FieldTreasury           = "treasury"
	FieldPosterAmount       = "poster_amount"
	FieldVoterAmount        = "voter_amount"
	FieldVoterSplit         = "voter_split"
	FieldPlan               = "plan"
	FieldChallengerPaid     = "challenger_paid"
	FieldAcceptorPaid       = "acceptor_paid"
	FieldChallengerTx       = "challenger_tx"
	FieldAcceptorTx         = "acceptor_tx"
	FieldRefunded           = "refunded"
	FieldChallengerRefunded = "challenger_refunded"
	FieldAcceptorRefunded   = "acceptor_refunded"
	FieldVotersRefunded     = "voters_refunded"
	FieldCancelReason       = "cancel_reason"

	metaPrefix = "meta."
)

// VotesField is the per-side aggregate counter field on the record.
func VotesField(s Side) string {
	if s == SideA {
		return FieldVotesA
	}
	return FieldVotesB
}

// MetaField is the hash field for metadata key k.
func MetaField(k string) string { return metaPrefix + k }

// Funded reports whether the challenger's fee has been confirmed.
func (b *Battle) Funded() bool { return b.ChallengerPaid }

// Ended reports whether voting is over at now.
func (b *Battle) Ended(now time.Time) bool {
	return !b.EndsAt.IsZero() && !now.Before(b.EndsAt)
}

// Participant returns the account behind side.
func (b *Battle) Participant(s Side) string {
	if s == SideA {
		return b.Challenger
	}
	return b.Acceptor
}

// Encode renders the whole record as hash fields.
func (b *Battle) Encode() map[string]string {
	m := map[string]string{
		FieldID:                 b.ID,
		FieldChallenger:         b.Challenger,
		FieldChallengerContent:  b.ChallengerContent,
		FieldTarget:             b.Target,
		FieldAcceptor:           b.Acceptor,
		FieldAcceptorContent:    b.AcceptorContent,
		FieldStatus:             b.Status.String(),
		FieldCreatedAt:          encodeTime(b.CreatedAt),
		FieldAcceptedAt:         encodeTime(b.AcceptedAt),
		FieldEndsAt:             encodeTime(b.EndsAt),
		FieldExpiresAt:          encodeTime(b.ExpiresAt),
		FieldSettledAt:          encodeTime(b.SettledAt),
		FieldRunDuration:        strconv.FormatInt(b.RunDuration.Milliseconds(), 10),
		FieldChallengeFee:       itoa(b.ChallengeFee),
		FieldAcceptFee:          itoa(b.AcceptFee),
		FieldVoteFee:            itoa(b.VoteFee),
		FieldVotes:              itoa(b.Votes),
		FieldVotesA:             itoa(b.VotesA),
		FieldVotesB:             itoa(b.VotesB),
		FieldWinner:             string(b.Winner),
		FieldPot:                itoa(b.Pot),
		FieldBurn:               itoa(b.Burn),
		FieldTreasury:           itoa(b.Treasury),
		FieldPosterAmount:       itoa(b.PosterAmount),
		FieldVoterAmount:        itoa(b.VoterAmount),
		FieldVoterSplit:         itoa(b.VoterSplit),
		FieldPlan:               b.Plan,
		FieldChallengerPaid:     strconv.FormatBool(b.ChallengerPaid),
		FieldAcceptorPaid:       strconv.FormatBool(b.AcceptorPaid),
		FieldChallengerTx:       b.ChallengerTx,
		FieldAcceptorTx:         b.AcceptorTx,
		FieldRefunded:           strconv.FormatBool(b.Refunded),
		FieldChallengerRefunded: strconv.FormatBool(b.ChallengerRefunded),
		FieldAcceptorRefunded:   strconv.FormatBool(b.AcceptorRefunded),
		FieldVotersRefunded:     strconv.FormatBool(b.VotersRefunded),
		FieldCancelReason:       b.CancelReason,
	}
	for k, v := range b.Meta {
		m[metaPrefix+k] = v
	}
	return m
}

// Fields renders only the named fields. Unknown names are ignored;
// metadata fields are named with MetaField.
func (b *Battle) Fields(names ...string) map[string]string {
	all := b.Encode()
	out := make(map[string]string, len(names))
	for _, n := range names {
		if v, ok := all[n]; ok {
			out[n] = v
		}
	}
	return out
}

// Decode parses a hash read back from the store.
func Decode(m map[string]string) (*Battle, error) {
	st, err := ParseStatus(m[FieldStatus])
	if err != nil {
		return nil, err
	}
	b := &Battle{
		ID:                 m[FieldID],
		Challenger:         m[FieldChallenger],
		ChallengerContent:  m[FieldChallengerContent],
		Target:             m[FieldTarget],
		Acceptor:           m[FieldAcceptor],
		AcceptorContent:    m[FieldAcceptorContent],
		Status:             st,
		CreatedAt:          decodeTime(m[FieldCreatedAt]),
		AcceptedAt:         decodeTime(m[FieldAcceptedAt]),
		EndsAt:             decodeTime(m[FieldEndsAt]),
		ExpiresAt:          decodeTime(m[FieldExpiresAt]),
		SettledAt:          decodeTime(m[FieldSettledAt]),
		RunDuration:        time.Duration(atoi(m[FieldRunDuration])) * time.Millisecond,
		ChallengeFee:       atoi(m[FieldChallengeFee]),
		AcceptFee:          atoi(m[FieldAcceptFee]),
		VoteFee:            atoi(m[FieldVoteFee]),
		Votes:              atoi(m[FieldVotes]),
		VotesA:             atoi(m[FieldVotesA]),
		VotesB:             atoi(m[FieldVotesB]),
		Winner:             Side(m[FieldWinner]),
		Pot:                atoi(m[FieldPot]),
		Burn:               atoi(m[FieldBurn]),
		Treasury:           atoi(m[FieldTreasury]),
		PosterAmount:       atoi(m[FieldPosterAmount]),
		VoterAmount:        atoi(m[FieldVoterAmount]),
		VoterSplit:         atoi(m[FieldVoterSplit]),
		Plan:               m[FieldPlan],
		ChallengerPaid:     m[FieldChallengerPaid] == "true",
		AcceptorPaid:       m[FieldAcceptorPaid] == "true",
		ChallengerTx:       m[FieldChallengerTx],
		AcceptorTx:         m[FieldAcceptorTx],
		Refunded:           m[FieldRefunded] == "true",
		ChallengerRefunded: m[FieldChallengerRefunded] == "true",
		AcceptorRefunded:   m[FieldAcceptorRefunded] == "true",
		VotersRefunded:     m[FieldVotersRefunded] == "true",
		CancelReason:       m[FieldCancelReason],
	}
	for k, v := range m {
		if strings.HasPrefix(k, metaPrefix) {
			if b.Meta == nil {
				b.Meta = make(map[string]string)
			}
			b.Meta[strings.TrimPrefix(k, metaPrefix)] = v
		}
	}
	return b, nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func atoi(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
