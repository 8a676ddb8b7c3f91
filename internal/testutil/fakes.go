package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"BattleLedger/internal/content"
	"BattleLedger/internal/payment"
)

// ErrInjected is returned by fakes configured to fail.
var ErrInjected = errors.New("injected failure")

// ============================================================================
// Payment gateway
// ============================================================================

// Gateway is an in-memory payment.Gateway. Intents get sequential ids and
// stay unsigned until the test signs, rejects or expires them. Unknown ids
// poll as unsigned.
type Gateway struct {
	mu       sync.Mutex
	next     int
	Created  []payment.IntentSpec
	statuses map[string]payment.Status
	Polls    int
	FailPoll bool
}

func NewGateway() *Gateway {
	return &Gateway{statuses: make(map[string]payment.Status)}
}

func (g *Gateway) CreateIntent(_ context.Context, spec payment.IntentSpec) (payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	id := fmt.Sprintf("intent-%d", g.next)
	g.Created = append(g.Created, spec)
	g.statuses[id] = payment.Status{IntentID: id}
	return payment.Intent{ID: id, SignURL: "https://sign.test/" + id}, nil
}

func (g *Gateway) PollStatus(_ context.Context, id string) (payment.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Polls++
	if g.FailPoll {
		return payment.Status{}, ErrInjected
	}
	st, ok := g.statuses[id]
	if !ok {
		return payment.Status{IntentID: id}, nil
	}
	return st, nil
}

// Sign marks id as signed and settled by payer.
func (g *Gateway) Sign(id, payer string) payment.Status {
	return g.set(id, payment.Status{IntentID: id, Signed: true, Succeeded: true, Payer: payer, TxRef: "tx-" + id})
}

// Reject marks id as signed but failed on the network.
func (g *Gateway) Reject(id string) payment.Status {
	return g.set(id, payment.Status{IntentID: id, Signed: true})
}

// Expire marks id as expired unsigned.
func (g *Gateway) Expire(id string) payment.Status {
	return g.set(id, payment.Status{IntentID: id, Expired: true})
}

func (g *Gateway) set(id string, st payment.Status) payment.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[id] = st
	return st
}

// ============================================================================
// Transfer executor
// ============================================================================

// Executor is an in-memory payment.Executor. Transfers with a repeated
// idempotency key are not executed twice, like the real network.
type Executor struct {
	mu        sync.Mutex
	Transfers []payment.Transfer
	seen      map[string]string
	// FailOn makes the transfer with this idempotency key fail once.
	FailOn string
}

func NewExecutor() *Executor {
	return &Executor{seen: make(map[string]string)}
}

func (e *Executor) Transfer(_ context.Context, t payment.Transfer) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailOn != "" && t.IdempotencyKey == e.FailOn {
		e.FailOn = ""
		return "", ErrInjected
	}
	if ref, ok := e.seen[t.IdempotencyKey]; ok {
		return ref, nil
	}
	ref := fmt.Sprintf("xfer-%d", len(e.Transfers)+1)
	e.Transfers = append(e.Transfers, t)
	e.seen[t.IdempotencyKey] = ref
	return ref, nil
}

// PaidTo sums the executed transfers to addr.
func (e *Executor) PaidTo(addr string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sum int64
	for _, t := range e.Transfers {
		if t.To == addr {
			sum += t.Amount
		}
	}
	return sum
}

// Total sums every executed transfer.
func (e *Executor) Total() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sum int64
	for _, t := range e.Transfers {
		sum += t.Amount
	}
	return sum
}

func (e *Executor) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Transfers)
}

// ============================================================================
// Content validator
// ============================================================================

// Validator accepts every content ref except those listed in Invalid.
type Validator struct {
	mu      sync.Mutex
	Invalid map[string]string
	Calls   int
	Fail    bool
}

func NewValidator() *Validator {
	return &Validator{Invalid: make(map[string]string)}
}

func (v *Validator) Validate(_ context.Context, contentRef, _ string) (content.Verdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Calls++
	if v.Fail {
		return content.Verdict{}, ErrInjected
	}
	if reason, ok := v.Invalid[contentRef]; ok {
		return content.Verdict{Valid: false, Reason: reason}, nil
	}
	return content.Verdict{Valid: true}, nil
}

// ============================================================================
// Rewards and notifications
// ============================================================================

// Rewards records point grants per account.
type Rewards struct {
	mu     sync.Mutex
	Points map[string]int64
	Grants int
}

func NewRewards() *Rewards {
	return &Rewards{Points: make(map[string]int64)}
}

func (r *Rewards) Grant(_ context.Context, account string, points int64, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Points[account] += points
	r.Grants++
	return nil
}

func (r *Rewards) PointsOf(account string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Points[account]
}

// Notification is one recorded notifier call.
type Notification struct {
	Recipient string
	Kind      string
	Data      map[string]string
}

// Notifier records notifications.
type Notifier struct {
	mu   sync.Mutex
	Sent []Notification
}

func (n *Notifier) Notify(_ context.Context, recipient, kind string, data map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Sent = append(n.Sent, Notification{Recipient: recipient, Kind: kind, Data: data})
	return nil
}

// Kinds returns the sorted notification kinds sent to recipient.
func (n *Notifier) Kinds(recipient string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.Sent {
		if s.Recipient == recipient {
			out = append(out, s.Kind)
		}
	}
	sort.Strings(out)
	return out
}
