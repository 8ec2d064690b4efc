package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// ActorTokenPayload captures the data available when minting a JWT.
type ActorTokenPayload struct {
	ActorID uuid.UUID
	Role    enums.ActorRole
	JTI     string
}

// ActorClaims is the typed JWT accepted by the engine's HTTP surface.
type ActorClaims struct {
	ActorID uuid.UUID       `json:"actor_id"`
	Role    enums.ActorRole `json:"role"`
	jwt.RegisteredClaims
}

// Actor returns the stable string used in history rows and ledger entries.
func (c ActorClaims) Actor() string {
	return string(c.Role) + ":" + c.ActorID.String()
}
