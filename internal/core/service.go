// Package core is the battle operation surface: it composes the battle
// store, vote ledger, settlement engine, rate limiter and confirmation
// tracker into the operations the HTTP layer and the sweepers call.
package core

import (
	"context"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/battle"
	"BattleLedger/internal/confirm"
	"BattleLedger/internal/content"
	"BattleLedger/internal/event"
	"BattleLedger/internal/observability"
	"BattleLedger/internal/payment"
	"BattleLedger/internal/ratelimit"
	"BattleLedger/internal/settlement"
	"BattleLedger/internal/vote"

	"github.com/rs/zerolog"
)

var (
	ErrNotAcceptable = apperr.New(apperr.KindConflict, "not_acceptable", "battle can no longer be accepted")
	ErrNotFunded     = apperr.New(apperr.KindConflict, "not_funded", "battle is awaiting the challenger's payment")
	ErrSelfAccept    = apperr.New(apperr.KindValidation, "self_accept", "cannot accept your own battle")
	ErrNotTarget     = apperr.New(apperr.KindValidation, "not_target", "battle is reserved for another opponent")
	ErrNoOpenBattle  = apperr.New(apperr.KindNotFound, "no_open_battle", "no open battle is waiting for an opponent")
)

// Notification kinds.
const (
	NotifyChallenged = "battle_challenged"
	NotifyAccepted   = "battle_accepted"
	NotifyCanceled   = "battle_canceled"
	NotifyExpired    = "battle_expired"
)

// PointsPerVote is granted to every voter whose vote is recorded.
const PointsPerVote = 1

// Notifier delivers user-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, recipient, kind string, data map[string]string) error
}

// Config holds the operation parameters.
type Config struct {
	Fees        settlement.Fees
	RunDuration time.Duration
	// PotAddress receives every fee payment.
	PotAddress string
	// IntentExpiry is passed to the gateway for each payment request.
	IntentExpiry time.Duration
	// AdminLockTTL bounds cancel and expire, which may refund many voters.
	AdminLockTTL time.Duration
	// StaleAfter is the age at which an unaccepted battle is expired.
	StaleAfter time.Duration
}

// DefaultConfig returns production values.
func DefaultConfig() Config {
	return Config{
		Fees:         settlement.Fees{Challenge: 150000, Accept: 75000, Vote: 30000},
		RunDuration:  24 * time.Hour,
		IntentExpiry: 15 * time.Minute,
		AdminLockTTL: 2 * time.Minute,
		StaleAfter:   10 * time.Hour,
	}
}

// Deps are the collaborators of a Service.
type Deps struct {
	Battles  *battle.Store
	Votes    *vote.Ledger
	Engine   *settlement.Engine
	Refunder *settlement.Refunder
	Tracker  *confirm.Tracker
	Limiter  *ratelimit.Limiter
	Gateway  payment.Gateway
	Content  content.Validator
	Rewards  settlement.Rewarder
	Notifier Notifier
	Events   event.Sink
}

// Service implements the battle operations.
type Service struct {
	Deps
	cfg     Config
	now     func() time.Time
	newID   func() string
	log     zerolog.Logger
	metrics *observability.Metrics
}

// NewService builds a Service and registers its confirmation handlers on
// deps.Tracker.
func NewService(deps Deps, cfg Config, now func() time.Time, log zerolog.Logger, metrics *observability.Metrics) *Service {
	if now == nil {
		now = time.Now
	}
	if deps.Events == nil {
		deps.Events = event.Discard
	}
	s := &Service{
		Deps:    deps,
		cfg:     cfg,
		now:     now,
		newID:   newBattleID,
		log:     log,
		metrics: metrics,
	}
	deps.Tracker.Register(confirm.KindBattleStart, confirm.HandlerFunc(s.applyStart))
	deps.Tracker.Register(confirm.KindBattleAccept, confirm.HandlerFunc(s.applyAccept))
	deps.Tracker.Register(confirm.KindBattleVote, confirm.HandlerFunc(s.applyVote))
	deps.Tracker.OnPayerMismatch(confirm.HandlerFunc(s.refundPayer))
	return s
}

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

func (s *Service) enforce(ctx context.Context, action ratelimit.Action, actor string) error {
	if s.Limiter == nil {
		return nil
	}
	_, err := s.Limiter.Enforce(ctx, action, actor)
	return err
}

func (s *Service) notify(ctx context.Context, recipient, kind string, data map[string]string) {
	if s.Notifier == nil || recipient == "" {
		return
	}
	if err := s.Notifier.Notify(ctx, recipient, kind, data); err != nil {
		s.log.Warn().Err(err).Str("recipient", recipient).Str("kind", kind).Msg("notification failed")
	}
}

func (s *Service) reward(ctx context.Context, battleID, account string, points int64, reason string) {
	if s.Rewards == nil {
		return
	}
	if err := s.Rewards.Grant(ctx, account, points, reason); err != nil {
		s.log.Warn().Err(err).Str("account", account).Str("reason", reason).Msg("reward grant failed")
		return
	}
	s.Events.Emit(ctx, event.New(event.EventTypeRewardGranted, battleID, account, s.now()).
		WithAmount(points).
		With("reason", reason))
}

// createIntent asks the gateway for a payment into the pot.
func (s *Service) createIntent(ctx context.Context, kind confirm.Kind, payer, battleID string, amount int64) (payment.Intent, error) {
	if err := s.enforce(ctx, ratelimit.ActionPaymentCreate, payer); err != nil {
		return payment.Intent{}, err
	}
	intent, err := s.Gateway.CreateIntent(ctx, payment.IntentSpec{
		Kind:        string(kind),
		Payer:       payer,
		Destination: s.cfg.PotAddress,
		Amount:      amount,
		Memo:        "battle " + battleID + " " + string(kind),
		Reference:   battleID,
		ExpiresIn:   s.cfg.IntentExpiry,
	})
	if err != nil {
		if _, typed := apperr.As(err); typed {
			return payment.Intent{}, err
		}
		return payment.Intent{}, apperr.Dependency("payment_gateway", err)
	}
	return intent, nil
}

func (s *Service) validateContent(ctx context.Context, contentRef, actor string) error {
	if err := s.enforce(ctx, ratelimit.ActionTweetValidation, actor); err != nil {
		return err
	}
	if s.Content == nil {
		return nil
	}
	return content.Require(ctx, s.Content, contentRef, actor)
}
