package middleware

import (
	"context"
	"strings"

	"platform-economy/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	HeaderAPIKey   = "X-API-Key"

	RoleUser   = "user"
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

type actorKey struct{}

// Actor is the caller as asserted by the upstream gateway.
type Actor struct {
	ID   string
	Role string
}

// KeyVerifier resolves an api key token to the caller name it was issued to.
type KeyVerifier func(ctx context.Context, token string) (string, error)

// ResolveActor identifies the caller. Backend services authenticate with an
// api key and act as the system role; everyone else is asserted by the
// gateway identity headers. Requests without either are rejected.
func ResolveActor(verify KeyVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := resolve(c, verify)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		c.Set(HeaderUserID, actor)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), actorKey{}, actor))
		c.Next()
	}
}

func resolve(c *gin.Context, verify KeyVerifier) (Actor, error) {
	if token := c.GetHeader(HeaderAPIKey); token != "" {
		if verify == nil {
			return Actor{}, errutil.Unauthorized("api keys are not accepted", nil)
		}
		name, err := verify(c.Request.Context(), token)
		if err != nil {
			return Actor{}, err
		}
		return Actor{ID: name, Role: RoleSystem}, nil
	}

	id := strings.TrimSpace(c.GetHeader(HeaderUserID))
	if id == "" {
		return Actor{}, errutil.Unauthorized("missing "+HeaderUserID+" header", nil)
	}
	role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderUserRole)))
	switch role {
	case "":
		role = RoleUser
	case RoleSystem:
		return Actor{}, errutil.Unauthorized("system role requires "+HeaderAPIKey, nil)
	}
	return Actor{ID: id, Role: role}, nil
}

func ActorFrom(c *gin.Context) Actor {
	if v, ok := c.Get(HeaderUserID); ok {
		if a, ok := v.(Actor); ok {
			return a
		}
	}
	return Actor{}
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
