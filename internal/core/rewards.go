package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"BattleLedger/internal/event"
	"BattleLedger/internal/kv"
)

func pointsKey(account string) string { return "rewards:" + account }

const pointsField = "points"

// PointsLedger accrues reward points in the shared store. The platform's
// rewards service reads the same hash.
type PointsLedger struct {
	kv kv.Store
}

func NewPointsLedger(store kv.Store) *PointsLedger {
	return &PointsLedger{kv: store}
}

func (p *PointsLedger) Grant(ctx context.Context, account string, points int64, reason string) error {
	err := p.kv.Atomic(ctx, func(tx kv.Tx) {
		tx.HIncrBy(pointsKey(account), pointsField, points)
		tx.HIncrBy(pointsKey(account), "reason:"+reason, points)
	})
	if err != nil {
		return fmt.Errorf("grant %d points to %s: %w", points, account, err)
	}
	return nil
}

// Points returns account's total.
func (p *PointsLedger) Points(ctx context.Context, account string) (int64, error) {
	m, err := p.kv.HGetAll(ctx, pointsKey(account))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if m[pointsField] == "" {
		return 0, nil
	}
	return strconv.ParseInt(m[pointsField], 10, 64)
}

// EventNotifier turns notifications into Notification events for the
// outbound stream; delivery is the consumer's concern.
type EventNotifier struct {
	Sink event.Sink
	Now  func() time.Time
}

func (n EventNotifier) Notify(ctx context.Context, recipient, kind string, data map[string]string) error {
	e := event.New(event.EventTypeNotification, data["battle_id"], recipient, n.Now()).With("kind", kind)
	for k, v := range data {
		e = e.With(k, v)
	}
	n.Sink.Emit(ctx, e)
	return nil
}
