package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

const (
	actorKey  = "auth_actor"
	userIDKey = "userID"
)

// AuthMiddleware validates bearer tokens.
type AuthMiddleware struct {
	tokens *TokenManager
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(tokens *TokenManager) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Handle enforces authentication for request routes. Only the
// Authorization header is accepted.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	token, err := bearerToken(c.Get(fiber.HeaderAuthorization))
	if err != nil {
		return err
	}
	return m.authenticate(c, token)
}

// HandleStream authenticates push-stream subscriptions, which carry the
// token as a query parameter because the client cannot set headers.
func (m *AuthMiddleware) HandleStream(c *fiber.Ctx) error {
	if token := c.Query("token"); token != "" {
		return m.authenticate(c, token)
	}
	return m.Handle(c)
}

func (m *AuthMiddleware) authenticate(c *fiber.Ctx, token string) error {
	claims, err := m.tokens.ParseToken(token)
	if err != nil {
		return apperrors.NewUnauthorized("invalid token")
	}
	actor := claims.Actor()
	c.Locals(actorKey, actor)
	c.Locals(userIDKey, actor.UserID)
	return c.Next()
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", apperrors.NewUnauthorized("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", apperrors.NewUnauthorized("invalid authorization header")
	}
	return parts[1], nil
}

// ActorFromContext retrieves the authenticated actor.
func ActorFromContext(c *fiber.Ctx) (domain.Actor, bool) {
	actor, ok := c.Locals(actorKey).(domain.Actor)
	return actor, ok
}
