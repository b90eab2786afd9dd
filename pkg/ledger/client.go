// Package ledger is the read-only view of the on-chain course contract:
// point queries for purchase status and the exchange rate, plus a
// restartable subscription to the purchase event stream. The chain is
// the source of truth; everything else in the system is a cache of it.
package ledger

import (
	"context"
	"errors"
	"math/big"
)

// ErrLedgerUnavailable wraps transport failures talking to the chain.
// Callers retry with backoff; it never indicates a definitive answer.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

// PurchaseEvent is one CoursePurchased emission. Buyer is lowercase hex.
// EventID (txHash:logIndex) uniquely identifies the emission and is
// stable across re-delivery.
type PurchaseEvent struct {
	CourseID    string
	Buyer       string
	PriceYD     *big.Int
	EventID     string
	BlockNumber uint64
}

// Subscription is a live purchase event stream. Events arrive in
// non-decreasing block order but may repeat across reconnects; the
// consumer must treat delivery as at-least-once.
type Subscription interface {
	Events() <-chan PurchaseEvent
	// Err delivers the terminal error once the stream dies. The consumer
	// resubscribes from its last durable watermark.
	Err() <-chan error
	Unsubscribe()
}

// Client is the typed interface to the course contract.
type Client interface {
	// Purchased reports whether address has bought courseID, per chain
	// state. This is the authoritative fallback behind the cache.
	Purchased(ctx context.Context, courseID, address string) (bool, error)

	// ExchangeRate returns the current native-per-YD rate in base units.
	ExchangeRate(ctx context.Context) (*big.Int, error)

	// SubscribePurchases streams purchase events, backfilling from
	// fromBlock (0 means live-only) before switching to live delivery.
	SubscribePurchases(ctx context.Context, fromBlock uint64) (Subscription, error)
}
