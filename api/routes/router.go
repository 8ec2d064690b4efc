package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/dispensary-engine/api/controllers"
	giftcardcontrollers "github.com/angelmondragon/dispensary-engine/api/controllers/giftcards"
	inventorycontrollers "github.com/angelmondragon/dispensary-engine/api/controllers/inventory"
	ordercontrollers "github.com/angelmondragon/dispensary-engine/api/controllers/orders"
	paymentcontrollers "github.com/angelmondragon/dispensary-engine/api/controllers/payments"
	settlementcontrollers "github.com/angelmondragon/dispensary-engine/api/controllers/settlements"
	webhookcontrollers "github.com/angelmondragon/dispensary-engine/api/controllers/webhooks"
	"github.com/angelmondragon/dispensary-engine/api/middleware"
	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/db"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
	"github.com/angelmondragon/dispensary-engine/pkg/redis"
)

// Store is the redis surface the HTTP layer needs: readiness, idempotency replay and rate limiting.
type Store interface {
	redis.Pinger
	redis.IdempotencyStore
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	RateLimitKey(parts ...string) string
}

// WebhookSigner exposes the provider secrets used to verify webhook signatures.
type WebhookSigner interface {
	SigningSecret() string
}

// SquareSigner also knows the notification URL Square signs over.
type SquareSigner interface {
	WebhookSigner
	NotificationURL() string
}

// EventGuard marks provider event ids as processed.
type EventGuard interface {
	CheckAndMarkProcessed(ctx context.Context, consumer, eventID string) (bool, error)
	Delete(ctx context.Context, consumer, eventID string) error
}

// Params carry everything the router mounts. Nil services answer 500 on their routes;
// a nil webhook signer leaves that provider's webhook unmounted.
type Params struct {
	Config *config.Config
	Logger *logger.Logger
	DB     db.Pinger
	Store  Store

	Orders      ordercontrollers.Service
	Ledger      ordercontrollers.LedgerReader
	DeadLetters ordercontrollers.DeadLetterReader
	Payments    paymentcontrollers.Service
	GiftCards   giftcardcontrollers.Service
	Inventory   inventorycontrollers.Service
	Settlements settlementcontrollers.Service

	SquareWebhooks webhookcontrollers.SquareWebhookService
	SquareSigner   SquareSigner
	StripeWebhooks webhookcontrollers.StripeWebhookService
	StripeSigner   WebhookSigner
	WebhookGuard   EventGuard

	// Gatherer backs /metrics; nil falls back to the default registry.
	Gatherer prometheus.Gatherer
}

func NewRouter(p Params) http.Handler {
	cfg, logg := p.Config, p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.HTTP.CORSOrigins),
	)

	giftCardPolicy := middleware.NewGiftCardRateLimitPolicy(
		cfg.RateLimit.GiftCardWindow,
		cfg.RateLimit.GiftCardIPLimit,
		cfg.RateLimit.GiftCardCodeLimit,
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, p.DB, p.Store))
	})

	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		if p.SquareSigner != nil {
			r.Post("/square", webhookcontrollers.SquareWebhook(p.SquareWebhooks, p.SquareSigner, p.WebhookGuard, logg))
		}
		if p.StripeSigner != nil {
			r.Post("/stripe", webhookcontrollers.StripeWebhook(p.StripeWebhooks, p.StripeSigner, p.WebhookGuard, logg))
		}
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.With(middleware.GiftCardRateLimit(giftCardPolicy, p.Store, logg)).
			Get("/gift-cards/{code}/balance", giftcardcontrollers.Balance(p.GiftCards, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Idempotency(p.Store, logg))

			r.With(middleware.GiftCardRateLimit(giftCardPolicy, p.Store, logg)).
				Post("/checkout/orders", ordercontrollers.Checkout(p.Orders, logg))

			r.Get("/orders", ordercontrollers.List(p.Orders, logg))
			r.Get("/orders/{orderId}", ordercontrollers.Detail(p.Orders, logg))
			r.Post("/orders/{orderId}/cancel", ordercontrollers.CancelOrder(p.Orders, logg))
			r.Post("/orders/{orderId}/payments/retry", ordercontrollers.RetryPayment(p.Orders, logg))
			r.Post("/orders/{orderId}/returns", ordercontrollers.RequestReturn(p.Orders, logg))
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin(logg))
			r.Use(middleware.Idempotency(p.Store, logg))
			mountAdmin(r, p)
		})
	})

	return r
}

func mountAdmin(r chi.Router, p Params) {
	logg := p.Logger

	r.Get("/admin/orders", ordercontrollers.List(p.Orders, logg))
	r.Get("/admin/orders/{orderId}", ordercontrollers.Detail(p.Orders, logg))
	r.Get("/admin/orders/{orderId}/ledger", ordercontrollers.AdminLedger(p.Ledger, logg))
	r.Get("/admin/orders/{orderId}/dead-letters", ordercontrollers.AdminDeadLetters(p.DeadLetters, logg))
	r.Post("/admin/orders/{orderId}/verify-payment", ordercontrollers.AdminVerifyPayment(p.Orders, logg))
	r.Post("/admin/orders/{orderId}/confirm-payment", ordercontrollers.AdminConfirmPayment(p.Orders, logg))
	r.Post("/admin/orders/{orderId}/reject-payment", ordercontrollers.AdminRejectPayment(p.Orders, logg))
	r.Post("/admin/orders/{orderId}/retry-payment", ordercontrollers.RetryPayment(p.Orders, logg))
	r.Post("/admin/orders/{orderId}/cancel", ordercontrollers.CancelOrder(p.Orders, logg))
	r.Post("/admin/orders/{orderId}/ship", ordercontrollers.AdminShip(p.Orders, logg))
	r.Post("/admin/orders/{orderId}/deliver", ordercontrollers.AdminDeliver(p.Orders, logg))
	r.Post("/admin/orders/{orderId}/returns", ordercontrollers.RequestReturn(p.Orders, logg))

	r.Get("/admin/payments/{paymentId}", paymentcontrollers.Detail(p.Payments, logg))
	r.Post("/admin/payments/{paymentId}/capture", paymentcontrollers.Capture(p.Payments, logg))
	r.Post("/admin/payments/{paymentId}/void", paymentcontrollers.Void(p.Payments, logg))
	r.Get("/admin/payments/{paymentId}/refundable", paymentcontrollers.Refundable(p.Payments, logg))
	r.Get("/admin/payments/{paymentId}/refunds", paymentcontrollers.ListRefunds(p.Payments, logg))
	r.Get("/admin/payments/{paymentId}/chargebacks", paymentcontrollers.ListChargebacks(p.Payments, logg))

	r.Post("/admin/refunds", paymentcontrollers.CreateRefund(p.Payments, logg))
	r.Get("/admin/refunds/{refundId}", paymentcontrollers.RefundDetail(p.Payments, logg))
	for _, step := range []string{"request", "approve", "reject", "process"} {
		r.Post("/admin/refunds/{refundId}/"+step, paymentcontrollers.RefundTransition(p.Payments, step, logg))
	}

	r.Post("/admin/chargebacks", paymentcontrollers.OpenChargeback(p.Payments, logg))
	r.Post("/admin/chargebacks/{chargebackId}/resolve", paymentcontrollers.ResolveChargeback(p.Payments, logg))

	r.Post("/admin/gift-cards", giftcardcontrollers.Issue(p.GiftCards, logg))
	r.Post("/admin/gift-cards/transactions/{transactionId}/reverse", giftcardcontrollers.Reverse(p.GiftCards, logg))
	r.Get("/admin/gift-cards/campaigns/{campaign}", giftcardcontrollers.Campaign(p.GiftCards, logg))
	r.Get("/admin/gift-cards/{code}", giftcardcontrollers.Detail(p.GiftCards, logg))
	r.Get("/admin/gift-cards/{code}/transactions", giftcardcontrollers.Transactions(p.GiftCards, logg))
	r.Get("/admin/gift-cards/{code}/audit", giftcardcontrollers.Audit(p.GiftCards, logg))
	r.Post("/admin/gift-cards/{code}/debit", giftcardcontrollers.Debit(p.GiftCards, logg))
	r.Post("/admin/gift-cards/{code}/credit", giftcardcontrollers.Credit(p.GiftCards, logg))
	r.Post("/admin/gift-cards/{code}/revoke", giftcardcontrollers.Revoke(p.GiftCards, logg))

	r.Get("/admin/inventory/{warehouseId}/{productId}/{variantId}", inventorycontrollers.Item(p.Inventory, logg))
	r.Get("/admin/inventory/{warehouseId}/{productId}/{variantId}/movements", inventorycontrollers.Movements(p.Inventory, logg))
	r.Get("/admin/inventory/{warehouseId}/{productId}/{variantId}/audit", inventorycontrollers.Audit(p.Inventory, logg))
	r.Post("/admin/inventory/restock", inventorycontrollers.Restock(p.Inventory, logg))

	r.Post("/admin/settlements", settlementcontrollers.Ingest(p.Settlements, logg))
	r.Get("/admin/settlements", settlementcontrollers.List(p.Settlements, logg))
	r.Post("/admin/settlements/match", settlementcontrollers.Match(p.Settlements, logg))
	r.Get("/admin/settlements/unmatched", settlementcontrollers.Unmatched(p.Settlements, logg))
	r.Get("/admin/settlements/discrepancies", settlementcontrollers.Discrepancies(p.Settlements, logg))
	r.Post("/admin/settlements/discrepancies/{discrepancyId}/resolve", settlementcontrollers.ResolveDiscrepancy(p.Settlements, logg))
	r.Post("/admin/settlements/lines/{lineId}/match", settlementcontrollers.MatchLine(p.Settlements, logg))
	r.Get("/admin/settlements/{settlementId}", settlementcontrollers.Detail(p.Settlements, logg))
}
