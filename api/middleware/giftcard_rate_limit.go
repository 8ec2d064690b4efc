package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/dispensary-engine/api/responses"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

type rateLimiterStore interface {
	IncrWithTTL(context.Context, string, time.Duration) (int64, error)
	RateLimitKey(parts ...string) string
}

// GiftCardRateLimitPolicy bounds how often one client, or guesses against one code, may hit gift card lookups.
type GiftCardRateLimitPolicy struct {
	window    time.Duration
	ipLimit   int
	codeLimit int
}

func NewGiftCardRateLimitPolicy(window time.Duration, ipLimit, codeLimit int) GiftCardRateLimitPolicy {
	return GiftCardRateLimitPolicy{window: window, ipLimit: ipLimit, codeLimit: codeLimit}
}

func (p GiftCardRateLimitPolicy) enabled() bool {
	return p.window > 0 && (p.ipLimit > 0 || p.codeLimit > 0)
}

// GiftCardRateLimit counts requests per client IP and per gift card code. The code comes from the
// {code} route parameter or from the JSON body ("code" or "gift_card.code").
func GiftCardRateLimit(policy GiftCardRateLimitPolicy, store rateLimiterStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			ip := clientIP(r)
			if policy.ipLimit > 0 && ip != "" {
				key := store.RateLimitKey("giftcard", "ip", ip)
				if allowed, count, err := allow(ctx, store, key, policy.window, int64(policy.ipLimit)); err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
					return
				} else if !allowed {
					respondRateLimited(ctx, logg, w, policy, "ip", count, policy.ipLimit)
					return
				}
			}

			if policy.codeLimit > 0 {
				code := strings.TrimSpace(chi.URLParam(r, "code"))
				if code == "" && r.Body != nil {
					body, err := io.ReadAll(r.Body)
					if err != nil {
						responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request"))
						return
					}
					r.Body = io.NopCloser(bytes.NewReader(body))
					code = extractGiftCardCode(body)
				}
				if code != "" {
					key := store.RateLimitKey("giftcard", "code", hashValue(strings.ToUpper(code)))
					if allowed, count, err := allow(ctx, store, key, policy.window, int64(policy.codeLimit)); err != nil {
						responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
						return
					} else if !allowed {
						respondRateLimited(ctx, logg, w, policy, "code", count, policy.codeLimit)
						return
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func allow(ctx context.Context, store rateLimiterStore, key string, window time.Duration, limit int64) (bool, int64, error) {
	count, err := store.IncrWithTTL(ctx, key, window)
	if err != nil {
		return false, 0, err
	}
	return count <= limit, count, nil
}

func respondRateLimited(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, policy GiftCardRateLimitPolicy, scope string, count int64, limit int) {
	if logg != nil {
		logCtx := logg.WithFields(ctx, map[string]any{
			"scope":          scope,
			"attempts":       count,
			"limit":          limit,
			"window_seconds": int(policy.window.Seconds()),
		})
		logg.Warn(logCtx, "giftcard.rate_limit.blocked")
	}
	responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func extractGiftCardCode(payload []byte) string {
	var body struct {
		Code     string `json:"code"`
		GiftCard *struct {
			Code string `json:"code"`
		} `json:"gift_card"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	if body.Code != "" {
		return body.Code
	}
	if body.GiftCard != nil {
		return body.GiftCard.Code
	}
	return ""
}

func hashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
