// Package ledgertest provides a scriptable in-memory ledger.Gateway for
// tests and examples. It settles amounts the way the reference ledger
// does (rate x elapsed time), supports one-shot failure injection per
// operation, and emits feed events for starts, stops, and settlements.
package ledgertest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paystream/streamsessions-go/ledger"
)

// Operation names accepted by FailNext.
const (
	OpGetResource = "get_resource"
	OpGetRate     = "get_rate"
	OpGetSession  = "get_session"
	OpStart       = "start"
	OpStop        = "stop"
)

type remoteSession struct {
	startTime       time.Time
	lastBillingTime time.Time
	active          bool
}

type injection struct {
	err        error
	applyFirst bool
}

// Gateway is the fake. Safe for concurrent use.
type Gateway struct {
	mu        sync.Mutex
	resources map[string]ledger.Resource
	sessions  map[string]*remoteSession
	inject    map[string][]injection
	calls     map[string]int
	subs      map[chan ledger.Event]struct{}
	now       func() time.Time

	// SignFunc, when set, produces Receipt.Token for every receipt.
	SignFunc func(*ledger.Receipt) (string, error)
}

func New() *Gateway {
	return &Gateway{
		resources: make(map[string]ledger.Resource),
		sessions:  make(map[string]*remoteSession),
		inject:    make(map[string][]injection),
		calls:     make(map[string]int),
		subs:      make(map[chan ledger.Event]struct{}),
		now:       time.Now,
	}
}

// SetClock replaces the fake's time source.
func (g *Gateway) SetClock(fn func() time.Time) {
	g.mu.Lock()
	g.now = fn
	g.mu.Unlock()
}

// AddResource registers or replaces a resource.
func (g *Gateway) AddResource(res ledger.Resource) {
	g.mu.Lock()
	g.resources[res.ID] = res
	g.mu.Unlock()
}

// SetResourceActive flips a resource's active flag.
func (g *Gateway) SetResourceActive(resourceID string, active bool) {
	g.mu.Lock()
	if res, ok := g.resources[resourceID]; ok {
		res.Active = active
		g.resources[resourceID] = res
	}
	g.mu.Unlock()
}

// FailNext makes the next call to op return err without touching state.
// Queued injections apply in order.
func (g *Gateway) FailNext(op string, err error) {
	g.mu.Lock()
	g.inject[op] = append(g.inject[op], injection{err: err})
	g.mu.Unlock()
}

// FailNextAfterApply makes the next call to op apply its state change and
// then return err anyway — a commit that timed out on the way back.
func (g *Gateway) FailNextAfterApply(op string, err error) {
	g.mu.Lock()
	g.inject[op] = append(g.inject[op], injection{err: err, applyFirst: true})
	g.mu.Unlock()
}

// Calls reports how many times op was invoked (including injected
// failures).
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// SessionActive reports the fake's remote truth for (user, resource).
func (g *Gateway) SessionActive(user, resourceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionKey(user, resourceID)]
	return ok && s.active
}

// ForceSettle closes a session externally (as if another party settled it
// on the ledger) and emits the session_stopped and payment_processed
// events a real settlement produces.
func (g *Gateway) ForceSettle(user, resourceID string) {
	g.mu.Lock()
	s, ok := g.sessions[sessionKey(user, resourceID)]
	if !ok || !s.active {
		g.mu.Unlock()
		return
	}
	s.active = false
	res := g.resources[resourceID]
	amount := settle(res.RatePerHour, g.now().Sub(s.startTime))
	creator := res.Creator
	g.mu.Unlock()

	g.emit(ledger.Event{Kind: ledger.EventSessionStopped, User: user, ResourceID: resourceID, Amount: amount})
	g.emit(ledger.Event{Kind: ledger.EventPaymentProcessed, User: user, ResourceID: resourceID, Amount: amount, Creator: creator})
}

func (g *Gateway) GetResource(ctx context.Context, resourceID string) (*ledger.Resource, error) {
	g.mu.Lock()
	g.calls[OpGetResource]++
	if err := g.takeInjectionLocked(OpGetResource); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	res, ok := g.resources[resourceID]
	g.mu.Unlock()
	if !ok {
		return nil, ledger.ErrResourceNotFound
	}
	cp := res
	return &cp, nil
}

func (g *Gateway) GetRate(ctx context.Context, resourceID string) (int64, error) {
	g.mu.Lock()
	g.calls[OpGetRate]++
	if err := g.takeInjectionLocked(OpGetRate); err != nil {
		g.mu.Unlock()
		return 0, err
	}
	res, ok := g.resources[resourceID]
	g.mu.Unlock()
	if !ok {
		return 0, ledger.ErrResourceNotFound
	}
	return res.RatePerHour, nil
}

func (g *Gateway) GetSession(ctx context.Context, user, resourceID string) (*ledger.SessionView, error) {
	g.mu.Lock()
	g.calls[OpGetSession]++
	if err := g.takeInjectionLocked(OpGetSession); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	s, ok := g.sessions[sessionKey(user, resourceID)]
	g.mu.Unlock()
	if !ok {
		return &ledger.SessionView{}, nil
	}
	return &ledger.SessionView{StartTime: s.startTime, LastBillingTime: s.lastBillingTime, Active: s.active}, nil
}

func (g *Gateway) StartSession(ctx context.Context, user, resourceID string) (*ledger.Receipt, error) {
	g.mu.Lock()
	g.calls[OpStart]++

	var pending *injection
	if inj, ok := g.peekInjectionLocked(OpStart); ok {
		pending = &inj
		if !inj.applyFirst {
			g.mu.Unlock()
			return nil, inj.err
		}
	}

	res, ok := g.resources[resourceID]
	if !ok {
		g.mu.Unlock()
		return nil, ledger.ErrResourceNotFound
	}
	if !res.Active {
		g.mu.Unlock()
		return nil, ledger.ErrResourceInactive
	}
	key := sessionKey(user, resourceID)
	if s, ok := g.sessions[key]; ok && s.active {
		g.mu.Unlock()
		return nil, ledger.ErrAlreadyStreaming
	}
	now := g.now()
	g.sessions[key] = &remoteSession{startTime: now, lastBillingTime: now, active: true}
	g.mu.Unlock()

	g.emit(ledger.Event{Kind: ledger.EventSessionStarted, User: user, ResourceID: resourceID, StartTime: now})

	if pending != nil {
		return nil, pending.err
	}
	return g.receipt(user, resourceID, 0, now)
}

func (g *Gateway) StopSession(ctx context.Context, user, resourceID string) (*ledger.Receipt, error) {
	g.mu.Lock()
	g.calls[OpStop]++

	var pending *injection
	if inj, ok := g.peekInjectionLocked(OpStop); ok {
		pending = &inj
		if !inj.applyFirst {
			g.mu.Unlock()
			return nil, inj.err
		}
	}

	key := sessionKey(user, resourceID)
	s, ok := g.sessions[key]
	if !ok || !s.active {
		g.mu.Unlock()
		return nil, ledger.ErrNoActiveSession
	}
	now := g.now()
	s.active = false
	res := g.resources[resourceID]
	amount := settle(res.RatePerHour, now.Sub(s.startTime))
	creator := res.Creator
	g.mu.Unlock()

	g.emit(ledger.Event{Kind: ledger.EventSessionStopped, User: user, ResourceID: resourceID, Amount: amount})
	g.emit(ledger.Event{Kind: ledger.EventPaymentProcessed, User: user, ResourceID: resourceID, Amount: amount, Creator: creator})

	if pending != nil {
		return nil, pending.err
	}
	return g.receipt(user, resourceID, amount, now)
}

func (g *Gateway) Events(ctx context.Context) (ledger.EventStream, error) {
	ch := make(chan ledger.Event, 64)
	g.mu.Lock()
	g.subs[ch] = struct{}{}
	g.mu.Unlock()
	return &stream{g: g, ch: ch, ctx: ctx}, nil
}

func (g *Gateway) receipt(user, resourceID string, amount int64, now time.Time) (*ledger.Receipt, error) {
	r := &ledger.Receipt{
		TxID:       uuid.NewString(),
		User:       user,
		ResourceID: resourceID,
		Amount:     amount,
		IssuedAt:   now,
	}
	if g.SignFunc != nil {
		tok, err := g.SignFunc(r)
		if err != nil {
			return nil, fmt.Errorf("sign receipt: %w", err)
		}
		r.Token = tok
	}
	return r, nil
}

func (g *Gateway) peekInjectionLocked(op string) (injection, bool) {
	q := g.inject[op]
	if len(q) == 0 {
		return injection{}, false
	}
	g.inject[op] = q[1:]
	return q[0], true
}

func (g *Gateway) takeInjectionLocked(op string) error {
	inj, ok := g.peekInjectionLocked(op)
	if !ok {
		return nil
	}
	return inj.err
}

func (g *Gateway) emit(ev ledger.Event) {
	g.mu.Lock()
	for ch := range g.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	g.mu.Unlock()
}

type stream struct {
	g      *Gateway
	ch     chan ledger.Event
	ctx    context.Context
	closed bool
	mu     sync.Mutex
}

func (s *stream) Next(ctx context.Context) (ledger.Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return ledger.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return ledger.Event{}, ctx.Err()
	case <-s.ctx.Done():
		return ledger.Event{}, s.ctx.Err()
	}
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.g.mu.Lock()
	delete(s.g.subs, s.ch)
	s.g.mu.Unlock()
	close(s.ch)
	return nil
}

func sessionKey(user, resourceID string) string { return user + "|" + resourceID }

// settle mirrors the reference ledger's pro-rated hourly billing.
func settle(ratePerHour int64, elapsed time.Duration) int64 {
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(ratePerHour) * elapsed.Hours())
}

// Ensure interface compliance
var _ ledger.Gateway = (*Gateway)(nil)
