package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

func testJWTConfig() config.JWTConfig {
	return config.JWTConfig{
		Secret:            "secret",
		Issuer:            "dispensary",
		ExpirationMinutes: 30,
	}
}

func TestMintAndParseActorToken(t *testing.T) {
	cfg := testJWTConfig()
	now := time.Now().UTC()
	actorID := uuid.New()

	token, err := MintActorToken(cfg, now, ActorTokenPayload{ActorID: actorID, Role: enums.ActorRoleAdmin})
	if err != nil {
		t.Fatalf("mint actor token: %v", err)
	}

	claims, err := ParseActorToken(cfg, token)
	if err != nil {
		t.Fatalf("parse actor token: %v", err)
	}
	if claims.ActorID != actorID {
		t.Fatalf("expected actor_id %s, got %s", actorID, claims.ActorID)
	}
	if claims.Role != enums.ActorRoleAdmin {
		t.Fatalf("unexpected role %s", claims.Role)
	}
	if claims.Issuer != cfg.Issuer {
		t.Fatalf("expected issuer %s, got %s", cfg.Issuer, claims.Issuer)
	}
	if claims.ID == "" {
		t.Fatalf("expected generated jti")
	}
	if got := claims.Actor(); got != "admin:"+actorID.String() {
		t.Fatalf("unexpected actor string %q", got)
	}

	exp := now.Add(30 * time.Minute)
	diff := claims.ExpiresAt.Sub(exp)
	if diff < 0 {
		diff = -diff
	}
	if diff >= time.Second {
		t.Fatalf("expected exp roughly %v, got %v", exp, claims.ExpiresAt.UTC())
	}
}

func TestParseActorTokenInvalidSignature(t *testing.T) {
	cfg := testJWTConfig()
	token, err := MintActorToken(cfg, time.Now(), ActorTokenPayload{ActorID: uuid.New(), Role: enums.ActorRoleCustomer})
	if err != nil {
		t.Fatalf("mint actor token: %v", err)
	}

	cfg.Secret = "other"
	if _, err := ParseActorToken(cfg, token); err == nil {
		t.Fatal("expected signature validation to fail")
	}
}

func TestParseActorTokenWrongIssuer(t *testing.T) {
	cfg := testJWTConfig()
	token, err := MintActorToken(cfg, time.Now(), ActorTokenPayload{ActorID: uuid.New(), Role: enums.ActorRoleCustomer})
	if err != nil {
		t.Fatalf("mint actor token: %v", err)
	}

	cfg.Issuer = "someone-else"
	if _, err := ParseActorToken(cfg, token); err == nil {
		t.Fatal("expected issuer validation to fail")
	}
}

func TestParseActorTokenExpired(t *testing.T) {
	cfg := testJWTConfig()
	token, err := MintActorToken(cfg, time.Now().Add(-2*time.Hour), ActorTokenPayload{ActorID: uuid.New(), Role: enums.ActorRoleCustomer})
	if err != nil {
		t.Fatalf("mint actor token: %v", err)
	}

	_, err = ParseActorToken(cfg, token)
	if err == nil || !strings.Contains(err.Error(), jwt.ErrTokenExpired.Error()) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestMintActorTokenRejectsInvalidRole(t *testing.T) {
	if _, err := MintActorToken(testJWTConfig(), time.Now(), ActorTokenPayload{ActorID: uuid.New(), Role: "owner"}); err == nil {
		t.Fatal("expected invalid role to fail")
	}
	if _, err := MintActorToken(testJWTConfig(), time.Now(), ActorTokenPayload{Role: enums.ActorRoleAdmin}); err == nil {
		t.Fatal("expected missing actor id to fail")
	}
}
