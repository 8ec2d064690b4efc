// Package engine assembles the order and payment services from infrastructure clients.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/dispensary-engine/internal/giftcards"
	"github.com/angelmondragon/dispensary-engine/internal/inventory"
	"github.com/angelmondragon/dispensary-engine/internal/ledger"
	"github.com/angelmondragon/dispensary-engine/internal/orders"
	"github.com/angelmondragon/dispensary-engine/internal/payments"
	"github.com/angelmondragon/dispensary-engine/internal/settlements"
	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/db"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
	"github.com/angelmondragon/dispensary-engine/pkg/metrics"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox"
	"github.com/angelmondragon/dispensary-engine/pkg/square"
	"github.com/angelmondragon/dispensary-engine/pkg/stripe"
)

// Params carry the infrastructure every service is built on.
type Params struct {
	Config *config.Config
	Logger *logger.Logger
	DB     *db.Client
	Locks  settlements.LockStore
	// Registerer receives the engine metrics; nil disables them.
	Registerer prometheus.Registerer
	// CardProvider overrides the provider selected by configuration.
	CardProvider payments.Provider
}

// Engine holds the wired services shared by the api and worker binaries.
type Engine struct {
	Ledger      ledger.Service
	Outbox      *outbox.Service
	OutboxRepo  *outbox.Repository
	Inventory   *inventory.Service
	Payments    *payments.Service
	GiftCards   *giftcards.Service
	Settlements *settlements.Service
	Orders      *orders.Service
	Metrics     *metrics.EngineMetrics

	Square *square.Client
	Stripe *stripe.Client
}

func New(ctx context.Context, p Params) (*Engine, error) {
	switch {
	case p.Config == nil:
		return nil, fmt.Errorf("config required")
	case p.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case p.DB == nil:
		return nil, fmt.Errorf("db client required")
	case p.Locks == nil:
		return nil, fmt.Errorf("lock store required")
	}
	cfg := p.Config
	e := &Engine{Metrics: metrics.NewEngineMetrics(p.Registerer)}

	card := p.CardProvider
	if card == nil {
		var err error
		if card, err = e.cardProvider(ctx, cfg, p.Logger); err != nil {
			return nil, err
		}
	}
	manager, err := payments.NewManager(card, payments.NewManualProvider(), cfg.Payments.ProviderTimeout)
	if err != nil {
		return nil, err
	}

	conn := p.DB.DB()
	if e.Ledger, err = ledger.NewService(ledger.NewRepository(conn), p.Logger); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	e.OutboxRepo = outbox.NewRepository(conn)
	e.Outbox = outbox.NewService(e.OutboxRepo, p.Logger)

	if e.Inventory, err = inventory.NewService(p.DB, inventory.NewRepository(conn), p.Logger, e.Metrics); err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}
	if e.Payments, err = payments.NewService(payments.ServiceParams{
		DB:        p.DB,
		Repo:      payments.NewRepository(conn),
		Providers: manager,
		Ledger:    e.Ledger,
		Outbox:    e.Outbox,
		Config:    cfg.Payments,
		Logger:    p.Logger,
		Metrics:   e.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("payments: %w", err)
	}
	if e.GiftCards, err = giftcards.NewService(giftcards.ServiceParams{
		DB:        p.DB,
		Repo:      giftcards.NewRepository(conn),
		Ledger:    e.Ledger,
		Outbox:    e.Outbox,
		Config:    cfg.GiftCards,
		PINConfig: cfg.Password,
		Logger:    p.Logger,
		Metrics:   e.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("gift cards: %w", err)
	}
	if e.Settlements, err = settlements.NewService(settlements.ServiceParams{
		DB:       p.DB,
		Repo:     settlements.NewRepository(conn),
		Payments: e.Payments,
		Ledger:   e.Ledger,
		Outbox:   e.Outbox,
		Locks:    p.Locks,
		Config:   cfg.Settlements,
		Logger:   p.Logger,
		Metrics:  e.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("settlements: %w", err)
	}
	if e.Orders, err = orders.NewService(orders.ServiceParams{
		DB:        p.DB,
		Repo:      orders.NewRepository(conn),
		Inventory: e.Inventory,
		Payments:  e.Payments,
		GiftCards: e.GiftCards,
		Ledger:    e.Ledger,
		Outbox:    e.Outbox,
		Config:    cfg.Orders,
		Logger:    p.Logger,
		Metrics:   e.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("orders: %w", err)
	}
	return e, nil
}

// cardProvider connects the card processor named by DISPENSARY_PAYMENTS_CARD_PROVIDER.
func (e *Engine) cardProvider(ctx context.Context, cfg *config.Config, logg *logger.Logger) (payments.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Payments.CardProvider)) {
	case config.CardProviderStripe:
		client, err := stripe.NewClient(ctx, cfg.Stripe, logg)
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		e.Stripe = client
		return payments.NewStripeProvider(client), nil
	case config.CardProviderManual:
		return payments.NewManualProvider(), nil
	default:
		client, err := square.NewClient(ctx, cfg.Square, logg)
		if err != nil {
			return nil, fmt.Errorf("square: %w", err)
		}
		e.Square = client
		return payments.NewSquareProvider(client), nil
	}
}
