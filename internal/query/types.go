package query

import "time"

// Freshness tells the caller how far the projections have caught up.
type Freshness struct {
	EventsApplied int64      `json:"events_applied"`
	AsOf          *time.Time `json:"as_of,omitempty"`
}

// BattleHistoryEntry is one row of battle history.
type BattleHistoryEntry struct {
	BattleID     string     `json:"battle_id"`
	Challenger   string     `json:"challenger"`
	Acceptor     string     `json:"acceptor,omitempty"`
	Target       string     `json:"target,omitempty"`
	Status       string     `json:"status"`
	Winner       string     `json:"winner,omitempty"`
	ChallengeFee int64      `json:"challenge_fee"`
	AcceptFee    int64      `json:"accept_fee"`
	VotesA       int        `json:"votes_a"`
	VotesB       int        `json:"votes_b"`
	VoteVolume   int64      `json:"vote_volume"`
	Pot          int64      `json:"pot"`
	PaidOut      int64      `json:"paid_out"`
	Refunded     int64      `json:"refunded"`
	CreatedAt    time.Time  `json:"created_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// HistoryResponse is a page of battle history.
type HistoryResponse struct {
	Battles []BattleHistoryEntry `json:"battles"`
	Freshness
}

// PlayerStats is the per-account record.
type PlayerStats struct {
	Account   string `json:"account"`
	Battles   int    `json:"battles"`
	Wins      int    `json:"wins"`
	Losses    int    `json:"losses"`
	Draws     int    `json:"draws"`
	VotesCast int    `json:"votes_cast"`
	Earnings  int64  `json:"earnings"`
	Refunds   int64  `json:"refunds"`
	Points    int64  `json:"points"`
}

// PlayerStatsResponse wraps one player's stats.
type PlayerStatsResponse struct {
	PlayerStats
	Freshness
}

// LeaderboardResponse ranks players by one metric.
type LeaderboardResponse struct {
	Metric  string        `json:"metric"`
	Players []PlayerStats `json:"players"`
	Freshness
}

// StatsResponse aggregates across all battles.
type StatsResponse struct {
	Battles     int64            `json:"battles"`
	ByStatus    map[string]int64 `json:"by_status"`
	Votes       int64            `json:"votes"`
	VoteVolume  int64            `json:"vote_volume"`
	PaidOut     int64            `json:"paid_out"`
	Refunded    int64            `json:"refunded"`
	Players     int64            `json:"players"`
	PointsTotal int64            `json:"points_total"`
	Freshness
}

// PayoutEntry is one executed transfer from the audit log.
type PayoutEntry struct {
	Kind       string    `json:"kind"`
	Seq        int       `json:"seq"`
	ToAccount  string    `json:"to_account"`
	Amount     int64     `json:"amount"`
	TxRef      string    `json:"tx_ref"`
	ExecutedAt time.Time `json:"executed_at"`
}
