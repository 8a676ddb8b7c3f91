package battle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/kv"
	"BattleLedger/internal/lock"
	"BattleLedger/internal/observability"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound = apperr.New(apperr.KindNotFound, "battle_not_found", "battle does not exist")
	ErrExists   = apperr.New(apperr.KindConflict, "battle_exists", "battle id already in use")
)

const (
	// WaitingTTL bounds how long an unaccepted battle is kept.
	WaitingTTL = 12 * time.Hour
	// AcceptedGrace is added to the run duration for accepted battles.
	AcceptedGrace = 24 * time.Hour

	createLockKey = "battle:create:lock"
	currentKey    = "battle:current"
	endingKey     = "battles:ending"
)

// DataKey is the hash holding battle id.
func DataKey(id string) string { return "battle:" + id + ":data" }

// LockKey is the per-battle lock.
func LockKey(id string) string { return "battle:" + id + ":lock" }

func statusKey(s Status) string { return "battles:status:" + s.String() }

// LockTTLs are the lock durations used by the store.
type LockTTLs struct {
	Create time.Duration
	Battle time.Duration
}

// DefaultLockTTLs returns the production lock durations.
func DefaultLockTTLs() LockTTLs {
	return LockTTLs{Create: 10 * time.Second, Battle: 5 * time.Second}
}

// Store persists battles and maintains their indexes.
type Store struct {
	kv      kv.Store
	locks   *lock.Manager
	ttls    LockTTLs
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewStore(store kv.Store, locks *lock.Manager, ttls LockTTLs, log zerolog.Logger, metrics *observability.Metrics) *Store {
	return &Store{kv: store, locks: locks, ttls: ttls, log: log, metrics: metrics}
}

// Create writes a new battle. It fails with ErrExists if the id is taken.
func (s *Store) Create(ctx context.Context, b *Battle) error {
	if b.ID == "" {
		return apperr.Validation("missing_id", "battle id is required")
	}
	if b.Status != StatusPending && b.Status != StatusOpen {
		return apperr.Validation("invalid_status", "new battles start pending or open, got %s", b.Status)
	}
	if b.ExpiresAt.IsZero() {
		b.ExpiresAt = b.CreatedAt.Add(WaitingTTL)
	}

	return s.locks.WithLock(ctx, createLockKey, s.ttls.Create, func(ctx context.Context) error {
		exists, err := s.kv.Exists(ctx, DataKey(b.ID))
		if err != nil {
			return fmt.Errorf("check battle %s: %w", b.ID, err)
		}
		if exists {
			return ErrExists.WithReason("battle %s already exists", b.ID)
		}

		err = s.kv.Atomic(ctx, func(tx kv.Tx) {
			tx.HSet(DataKey(b.ID), b.Encode())
			tx.Expire(DataKey(b.ID), WaitingTTL)
			tx.ZAdd(statusKey(b.Status), kv.Millis(b.CreatedAt), b.ID)
		})
		if err != nil {
			return fmt.Errorf("create battle %s: %w", b.ID, err)
		}

		if s.metrics != nil {
			s.metrics.BattlesCreated.Inc()
		}
		s.log.Info().
			Str("battle_id", b.ID).
			Str("challenger", b.Challenger).
			Str("status", b.Status.String()).
			Msg("battle created")
		return nil
	})
}

// Get loads battle id.
func (s *Store) Get(ctx context.Context, id string) (*Battle, error) {
	m, err := s.kv.HGetAll(ctx, DataKey(id))
	if err != nil {
		return nil, fmt.Errorf("load battle %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound.WithReason("battle %s not found", id)
	}
	b, err := Decode(m)
	if err != nil {
		return nil, fmt.Errorf("decode battle %s: %w", id, err)
	}
	return b, nil
}

// WithLock runs fn holding the per-battle lock. ttl <= 0 uses the default.
func (s *Store) WithLock(ctx context.Context, id string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = s.ttls.Battle
	}
	return s.locks.WithLock(ctx, LockKey(id), ttl, fn)
}

// Save merges the named fields of b into the stored record. The caller
// must hold the battle lock.
func (s *Store) Save(ctx context.Context, b *Battle, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.kv.HSet(ctx, DataKey(b.ID), b.Fields(fields...)); err != nil {
		return fmt.Errorf("save battle %s: %w", b.ID, err)
	}
	return nil
}

// Transition moves b to status to, writing the named fields alongside in
// one unit. The caller must hold the battle lock.
func (s *Store) Transition(ctx context.Context, b *Battle, to Status, fields ...string) error {
	from := b.Status
	if err := checkTransition(from, to); err != nil {
		return err
	}
	b.Status = to

	values := b.Fields(append(fields, FieldStatus)...)
	err := s.kv.Atomic(ctx, func(tx kv.Tx) {
		key := DataKey(b.ID)
		tx.HSet(key, values)
		tx.ZRem(statusKey(from), b.ID)
		tx.ZAdd(statusKey(to), kv.Millis(b.CreatedAt), b.ID)

		switch {
		case to == StatusAccepted:
			tx.ZAdd(endingKey, kv.Millis(b.EndsAt), b.ID)
			tx.Expire(key, b.RunDuration+AcceptedGrace)
		case to.IsTerminal():
			tx.ZRem(endingKey, b.ID)
			tx.Persist(key)
		}
	})
	if err != nil {
		b.Status = from
		return fmt.Errorf("transition battle %s %s->%s: %w", b.ID, from, to, err)
	}

	if s.metrics != nil {
		s.metrics.BattleTransitions.WithLabelValues(from.String(), to.String()).Inc()
	}
	s.log.Info().
		Str("battle_id", b.ID).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("battle transition")
	return nil
}

// ListByStatus returns up to limit battles in status, oldest first.
// Index entries whose record has expired are pruned.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int64) ([]*Battle, error) {
	return s.scan(ctx, statusKey(status), math.Inf(-1), math.Inf(1), limit, nil)
}

// OldestOpen returns the oldest funded open battle not created by
// exclude. It returns ErrNotFound when there is none.
func (s *Store) OldestOpen(ctx context.Context, exclude string) (*Battle, error) {
	found, err := s.scan(ctx, statusKey(StatusOpen), math.Inf(-1), math.Inf(1), 0, func(b *Battle) bool {
		return b.Funded() && b.Challenger != exclude
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNotFound.WithReason("no open battle available")
	}
	return found[0], nil
}

// Due returns ids of accepted battles whose voting ended at or before now.
func (s *Store) Due(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	entries, err := s.kv.ZRangeByScore(ctx, endingKey, math.Inf(-1), kv.Millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due battles: %w", err)
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Member
	}
	return ids, nil
}

// Stale returns waiting battles created at or before cutoff.
func (s *Store) Stale(ctx context.Context, cutoff time.Time, limit int64) ([]*Battle, error) {
	var out []*Battle
	for _, st := range []Status{StatusPending, StatusOpen} {
		found, err := s.scan(ctx, statusKey(st), math.Inf(-1), kv.Millis(cutoff), limit, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Current returns the battle the current pointer names.
func (s *Store) Current(ctx context.Context) (*Battle, error) {
	id, err := s.kv.Get(ctx, currentKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound.WithReason("no current battle")
	}
	if err != nil {
		return nil, fmt.Errorf("read current battle: %w", err)
	}
	return s.Get(ctx, id)
}

// SetCurrent points the current pointer at id.
func (s *Store) SetCurrent(ctx context.Context, id string) error {
	return s.kv.Set(ctx, currentKey, id, 0)
}

// ClearCurrent removes the current pointer only if it still names id.
func (s *Store) ClearCurrent(ctx context.Context, id string) (bool, error) {
	return s.kv.CompareAndDelete(ctx, currentKey, id)
}

func (s *Store) scan(ctx context.Context, index string, min, max float64, limit int64, keep func(*Battle) bool) ([]*Battle, error) {
	// Filtering may discard entries, so read the index unbounded when a
	// predicate is given.
	fetch := limit
	if keep != nil {
		fetch = 0
	}
	entries, err := s.kv.ZRangeByScore(ctx, index, min, max, fetch)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", index, err)
	}

	var out []*Battle
	for _, e := range entries {
		b, err := s.Get(ctx, e.Member)
		if errors.Is(err, ErrNotFound) {
			if err := s.kv.ZRem(ctx, index, e.Member); err != nil {
				s.log.Warn().Err(err).Str("battle_id", e.Member).Msg("prune index entry failed")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep != nil && !keep(b) {
			continue
		}
		out = append(out, b)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}
