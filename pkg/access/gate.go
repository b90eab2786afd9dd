// Package access decides whether an address may view a course's
// protected content. The reconciliation store answers first; when it has
// no record, the ledger is consulted as the authoritative fallback so a
// lagging cache can never produce a false denial.
package access

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"web3university/pkg/domain"
	"web3university/pkg/exchange"
	"web3university/pkg/ledger"
	"web3university/pkg/store"
)

// Decision is the authorization outcome. Reason is set only on denial.
type Decision struct {
	Allowed bool              `json:"allowed"`
	Reason  domain.DenyReason `json:"reason,omitempty"`
}

func allow() Decision                        { return Decision{Allowed: true} }
func deny(reason domain.DenyReason) Decision { return Decision{Reason: reason} }

// Gate authorizes course content requests.
type Gate struct {
	store      store.Store
	ledger     ledger.Client
	attempts   int
	retryDelay time.Duration

	// collapses concurrent fallback lookups for the same (course, buyer)
	// pair into one chain query
	fallback singleflight.Group
}

// Option customizes gate behavior.
type Option func(*Gate)

// WithLedgerRetries bounds the fallback attempts against the ledger and
// the pause between them.
func WithLedgerRetries(attempts int, delay time.Duration) Option {
	return func(g *Gate) {
		if attempts > 0 {
			g.attempts = attempts
		}
		if delay > 0 {
			g.retryDelay = delay
		}
	}
}

// New constructs a gate over the store and ledger client.
func New(st store.Store, lc ledger.Client, options ...Option) *Gate {
	g := &Gate{
		store:      st,
		ledger:     lc,
		attempts:   3,
		retryDelay: 200 * time.Millisecond,
	}
	for _, option := range options {
		if option != nil {
			option(g)
		}
	}
	return g
}

// Authorize returns the access decision for (address, courseID).
// A returned error means the store itself failed; ledger trouble instead
// degrades to a deny-safe ServiceDegraded decision.
func (g *Gate) Authorize(ctx context.Context, address, courseID string) (Decision, error) {
	addr := domain.NormalizeAddress(address)

	_, registered, err := g.store.GetUser(addr)
	if err != nil {
		return Decision{}, err
	}
	if !registered {
		return deny(domain.ReasonUnregistered), nil
	}

	if _, found, err := g.store.GetPurchase(courseID, addr); err != nil {
		return Decision{}, err
	} else if found {
		return allow(), nil
	}

	// Cache miss: the purchase may be on chain but not yet ingested.
	purchased, ok := g.ledgerPurchased(ctx, courseID, addr)
	if !ok {
		return deny(domain.ReasonServiceDegraded), nil
	}
	if !purchased {
		return deny(domain.ReasonNotPurchased), nil
	}
	g.cachePurchase(courseID, addr)
	return allow(), nil
}

type fallbackResult struct {
	purchased bool
	ok        bool
}

// ledgerPurchased queries the ledger with bounded retries, deduplicating
// in-flight lookups for the same pair. ok=false means the ledger never
// gave a definitive answer.
func (g *Gate) ledgerPurchased(ctx context.Context, courseID, addr string) (purchased, ok bool) {
	v, _, _ := g.fallback.Do(courseID+"|"+addr, func() (any, error) {
		purchased, ok := g.queryWithRetries(ctx, courseID, addr)
		return fallbackResult{purchased: purchased, ok: ok}, nil
	})
	res := v.(fallbackResult)
	return res.purchased, res.ok
}

func (g *Gate) queryWithRetries(ctx context.Context, courseID, addr string) (purchased, ok bool) {
	var lastErr error
	for attempt := 0; attempt < g.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(g.retryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return false, false
			}
		}
		purchased, err := g.ledger.Purchased(ctx, courseID, addr)
		if err == nil {
			return purchased, true
		}
		lastErr = err
	}
	slog.Warn("access gate ledger fallback exhausted",
		"course_id", courseID, "address", addr, "err", lastErr)
	return false, false
}

// cachePurchase shortens future fallbacks by writing the record the
// ledger just confirmed. Failure is swallowed: correctness never
// depends on this write.
func (g *Gate) cachePurchase(courseID, addr string) {
	record := domain.PurchaseRecord{
		CourseID: courseID,
		Buyer:    addr,
		PriceYD:  "0",
	}
	if course, ok, err := g.store.GetCourse(courseID); err == nil && ok {
		record.PriceYD = course.Price.Shift(exchange.TokenDecimals).BigInt().String()
	}
	if _, err := g.store.UpsertPurchase(record); err != nil {
		slog.Warn("opportunistic purchase cache write failed",
			"course_id", courseID, "address", addr, "err", err)
	}
}
