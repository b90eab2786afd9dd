// Package app runs the purchase event ingestor: it tails the on-chain
// CoursePurchased stream and projects it into the purchase cache that
// the api service reads. Delivery is at-least-once; the unique event
// key in the store makes re-application a no-op, and the watermark is
// advanced only after the row is durable.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"web3university/pkg/domain"
	"web3university/pkg/ledger"
	"web3university/pkg/store"
)

const (
	defaultReconnectDelay    = 2 * time.Second
	defaultMaxReconnectDelay = 60 * time.Second
)

// Config holds runtime configuration.
type Config struct {
	DatabaseURL       string
	Store             store.Store // overrides DatabaseURL when set
	Ledger            ledger.Client
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// App is the ingestor core.
type App struct {
	store             store.Store
	ledger            ledger.Client
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
}

// New constructs the ingestor with persistence and the ledger stream.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger client required")
	}
	a := &App{
		store:             dataStore,
		ledger:            cfg.Ledger,
		reconnectDelay:    cfg.ReconnectDelay,
		maxReconnectDelay: cfg.MaxReconnectDelay,
	}
	if a.reconnectDelay <= 0 {
		a.reconnectDelay = defaultReconnectDelay
	}
	if a.maxReconnectDelay < a.reconnectDelay {
		a.maxReconnectDelay = defaultMaxReconnectDelay
	}
	return a, nil
}

// Run tails the purchase stream until ctx is canceled. Every stream
// failure triggers a reconnect with capped doubling delay, resuming
// from the durable watermark; the delay resets once events flow again.
func (a *App) Run(ctx context.Context) error {
	delay := a.reconnectDelay
	for {
		applied, err := a.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if applied > 0 {
			delay = a.reconnectDelay
		}
		slog.Warn("purchase stream interrupted, reconnecting",
			"err", err, "retry_in", delay.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > a.maxReconnectDelay {
			delay = a.maxReconnectDelay
		}
	}
}

// consume runs one subscription lifetime and reports how many events it
// applied before the stream died.
func (a *App) consume(ctx context.Context) (int, error) {
	fromBlock := uint64(0)
	if cp, ok, err := a.store.GetCheckpoint(); err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	} else if ok {
		// The watermark block is re-scanned on purpose: a crash between
		// the purchase write and the checkpoint write re-delivers events
		// that the unique event key then absorbs.
		fromBlock = cp.BlockNumber
	}

	sub, err := a.ledger.SubscribePurchases(ctx, fromBlock)
	if err != nil {
		return 0, fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()
	slog.Info("purchase stream open", "from_block", fromBlock)

	applied := 0
	for {
		select {
		case <-ctx.Done():
			return applied, ctx.Err()
		case err := <-sub.Err():
			return applied, err
		case ev, ok := <-sub.Events():
			if !ok {
				return applied, fmt.Errorf("event channel closed")
			}
			if err := a.apply(ev); err != nil {
				return applied, err
			}
			applied++
		}
	}
}

// apply projects one purchase event into the store and advances the
// watermark. The checkpoint write happens strictly after the purchase
// row is durable.
func (a *App) apply(ev ledger.PurchaseEvent) error {
	if auditor, ok := a.store.(store.EventAuditor); ok {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.EventID, err)
		}
		if err := auditor.RecordEvent(ev.EventID, ev.BlockNumber, payload); err != nil {
			return fmt.Errorf("record event %s: %w", ev.EventID, err)
		}
	}

	priceYD := "0"
	if ev.PriceYD != nil {
		priceYD = ev.PriceYD.String()
	}
	inserted, err := a.store.UpsertPurchase(domain.PurchaseRecord{
		CourseID:    ev.CourseID,
		Buyer:       ev.Buyer,
		PriceYD:     priceYD,
		EventID:     ev.EventID,
		BlockNumber: ev.BlockNumber,
	})
	if err != nil {
		return fmt.Errorf("upsert purchase %s: %w", ev.EventID, err)
	}
	if inserted {
		slog.Info("purchase recorded",
			"course_id", ev.CourseID, "buyer", ev.Buyer,
			"event_id", ev.EventID, "block", ev.BlockNumber)
	} else {
		slog.Debug("purchase already recorded", "event_id", ev.EventID)
	}

	if err := a.store.SaveCheckpoint(domain.Checkpoint{
		BlockNumber: ev.BlockNumber,
		EventID:     ev.EventID,
	}); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", ev.EventID, err)
	}
	return nil
}
