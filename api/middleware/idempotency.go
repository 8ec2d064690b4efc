package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/dispensary-engine/api/responses"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
	pkgredis "github.com/angelmondragon/dispensary-engine/pkg/redis"
)

const (
	adminIdempotencyTTL = 24 * time.Hour
	moneyIdempotencyTTL = 7 * 24 * time.Hour
	inFlightTTL         = 2 * time.Minute

	replayHeader = "Idempotent-Replayed"
)

// idempotencyScope binds a route to the resource whose id partitions its keys, so one
// Idempotency-Key reused against two orders runs twice rather than replaying the first.
type idempotencyScope struct {
	resource string
	param    string
	ttl      time.Duration
}

// Routes that move money or stock. Keys are matched against the chi route pattern.
var idempotencyScopes = map[string]idempotencyScope{
	"POST /api/v1/checkout/orders":                                       {resource: "checkout", ttl: moneyIdempotencyTTL},
	"POST /api/v1/orders/{orderId}/cancel":                               {resource: "order", param: "orderId", ttl: moneyIdempotencyTTL},
	"POST /api/v1/orders/{orderId}/returns":                              {resource: "order", param: "orderId", ttl: moneyIdempotencyTTL},
	"POST /api/v1/orders/{orderId}/payments/retry":                       {resource: "order", param: "orderId", ttl: moneyIdempotencyTTL},
	"POST /api/v1/admin/orders/{orderId}/confirm-payment":                {resource: "order", param: "orderId", ttl: moneyIdempotencyTTL},
	"POST /api/v1/admin/orders/{orderId}/retry-payment":                  {resource: "order", param: "orderId", ttl: moneyIdempotencyTTL},
	"POST /api/v1/admin/orders/{orderId}/cancel":                         {resource: "order", param: "orderId", ttl: moneyIdempotencyTTL},
	"POST /api/v1/admin/orders/{orderId}/returns":                        {resource: "order", param: "orderId", ttl: moneyIdempotencyTTL},
	"POST /api/v1/admin/payments/{paymentId}/capture":                    {resource: "payment", param: "paymentId", ttl: moneyIdempotencyTTL},
	"POST /api/v1/admin/payments/{paymentId}/void":                       {resource: "payment", param: "paymentId", ttl: moneyIdempotencyTTL},
	"POST /api/v1/admin/refunds":                                         {resource: "refund", ttl: moneyIdempotencyTTL},
	"POST /api/v1/admin/refunds/{refundId}/process":                      {resource: "refund", param: "refundId", ttl: moneyIdempotencyTTL},
	"POST /api/v1/admin/chargebacks":                                     {resource: "chargeback", ttl: moneyIdempotencyTTL},
	"POST /api/v1/admin/gift-cards":                                      {resource: "gift_card", ttl: moneyIdempotencyTTL},
	"POST /api/v1/admin/gift-cards/{code}/debit":                         {resource: "gift_card", param: "code", ttl: moneyIdempotencyTTL},
	"POST /api/v1/admin/gift-cards/{code}/credit":                        {resource: "gift_card", param: "code", ttl: moneyIdempotencyTTL},
	"POST /api/v1/admin/gift-cards/transactions/{transactionId}/reverse": {resource: "gift_card_txn", param: "transactionId", ttl: moneyIdempotencyTTL},
	"POST /api/v1/admin/inventory/restock":                               {resource: "inventory", ttl: moneyIdempotencyTTL},
}

// Any other admin write still gets a key, scoped to the route alone.
var adminWriteScope = idempotencyScope{resource: "admin", ttl: adminIdempotencyTTL}

type idempotencyRecord struct {
	Status      int               `json:"status"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
	RequestHash string            `json:"request_hash"`
}

// Idempotency replays the stored response for a repeated Idempotency-Key on money-moving routes.
// Reusing a key with a different body is rejected, and a second request arriving while the first
// is still running gets a concurrency conflict instead of a second execution.
func Idempotency(store pkgredis.IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pattern := routePattern(r)
			scope, ok := scopeFor(r.Method, pattern)
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}

			clientKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			if clientKey == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			requestHash := hashBody(body)

			partition := keyPartition(r, scope, pattern)
			recordKey := store.IdempotencyKey(partition, clientKey)

			record, err := loadRecord(r.Context(), store, recordKey)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			if record != nil {
				if record.RequestHash != requestHash {
					responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
					return
				}
				replay(w, record)
				return
			}

			lockKey := store.IdempotencyKey(partition+"|running", clientKey)
			acquired, err := store.SetNX(r.Context(), lockKey, requestHash, inFlightTTL)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim idempotency key"))
				return
			}
			if !acquired {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeConcurrencyConflict, "a request with this idempotency key is still running").
					WithDetails(map[string]any{"resource": scope.resource}))
				return
			}
			defer func() {
				if delErr := store.Del(context.WithoutCancel(r.Context()), lockKey); delErr != nil && logg != nil {
					logg.Error(r.Context(), "release idempotency key", delErr)
				}
			}()

			rec := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			// server failures are not replayed; the client retries with the same key
			status := rec.statusOrOK()
			if status >= http.StatusInternalServerError {
				return
			}
			saved := idempotencyRecord{
				Status:      status,
				Body:        base64.StdEncoding.EncodeToString(rec.body.Bytes()),
				RequestHash: requestHash,
			}
			if ct := rec.Header().Get("Content-Type"); ct != "" {
				saved.Headers = map[string]string{"Content-Type": ct}
			}
			payload, err := json.Marshal(saved)
			if err == nil {
				_, err = store.SetNX(r.Context(), recordKey, string(payload), scope.ttl)
			}
			if err != nil && logg != nil {
				logg.Error(r.Context(), "persist idempotency record", err)
			}
		})
	}
}

func scopeFor(method, pattern string) (idempotencyScope, bool) {
	if pattern == "" {
		return idempotencyScope{}, false
	}
	if scope, ok := idempotencyScopes[method+" "+pattern]; ok {
		return scope, true
	}
	if method == http.MethodPost && strings.HasPrefix(pattern, "/api/v1/admin/") {
		return adminWriteScope, true
	}
	return idempotencyScope{}, false
}

// keyPartition names the resource, the caller and the route a key belongs to.
func keyPartition(r *http.Request, scope idempotencyScope, pattern string) string {
	resource := scope.resource
	if scope.param != "" {
		resource += ":" + chi.URLParam(r, scope.param)
	}
	return strings.Join([]string{resource, ActorIDFromContext(r.Context()), r.Method, pattern}, "|")
}

func loadRecord(ctx context.Context, store pkgredis.IdempotencyStore, key string) (*idempotencyRecord, error) {
	stored, err := store.Get(ctx, key)
	if errors.Is(err, redis.Nil) || (err == nil && stored == "") {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency")
	}
	var record idempotencyRecord
	if err := json.Unmarshal([]byte(stored), &record); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotency record")
	}
	return &record, nil
}

func replay(w http.ResponseWriter, record *idempotencyRecord) {
	if ct := record.Headers["Content-Type"]; ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set(replayHeader, "true")
	w.WriteHeader(record.Status)
	if decoded, err := base64.StdEncoding.DecodeString(record.Body); err == nil {
		_, _ = w.Write(decoded)
	}
}

func hashBody(payload []byte) string {
	sum := sha256.Sum256(payload)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func routePattern(r *http.Request) string {
	if ctx := chi.RouteContext(r.Context()); ctx != nil {
		if pattern := ctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseCapture) statusOrOK() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
