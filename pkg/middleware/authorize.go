package middleware

import (
	_ "embed"

	"platform-economy/pkg/config"
	"platform-economy/pkg/errutil"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	//go:embed rbac_model.conf
	defaultModel string
	//go:embed rbac_policy.csv
	defaultPolicy string
)

// NewEnforcer loads the access control model and policy from the configured
// files, falling back to the embedded defaults.
func NewEnforcer(cfg *config.Config) (*casbin.Enforcer, error) {
	if cfg.AccessControl.Model != "" && cfg.AccessControl.Policy != "" {
		zap.L().Info("loading access control from files",
			zap.String("model", cfg.AccessControl.Model),
			zap.String("policy", cfg.AccessControl.Policy),
		)
		return casbin.NewEnforcer(cfg.AccessControl.Model, cfg.AccessControl.Policy)
	}

	m, err := model.NewModelFromString(defaultModel)
	if err != nil {
		return nil, err
	}
	return casbin.NewEnforcer(m, stringadapter.NewAdapter(defaultPolicy))
}

// Authorize checks the actor's role against the request path and method.
func Authorize(e *casbin.Enforcer) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := ActorFrom(c)
		ok, err := e.Enforce(actor.Role, c.Request.URL.Path, c.Request.Method)
		if err != nil {
			_ = c.Error(errutil.Internal("authorization failed", err))
			c.Abort()
			return
		}
		if !ok {
			_ = c.Error(errutil.Forbidden("role "+actor.Role+" may not "+c.Request.Method+" "+c.Request.URL.Path, nil))
			c.Abort()
			return
		}
		c.Next()
	}
}
