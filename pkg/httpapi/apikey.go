package httpapi

import (
	"context"
	"time"

	"platform-economy/services/apikey"

	"github.com/gin-gonic/gin"
)

type issueKeyRequest struct {
	Name      string     `json:"name" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) issueAPIKey(c *gin.Context) {
	var req issueKeyRequest
	if !bind(c, &req) {
		return
	}
	issued, err := h.apikeys.Issue(c.Request.Context(), actorID(c), apikey.IssueParams{
		Name:      req.Name,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		fail(c, err)
		return
	}
	created(c, issued)
}

func (h *Handler) listAPIKeys(c *gin.Context) {
	keys, err := h.apikeys.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, keys)
}

func (h *Handler) revokeAPIKey(c *gin.Context) {
	key, err := h.apikeys.Revoke(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, key)
}

func (h *Handler) verifyKey(ctx context.Context, token string) (string, error) {
	key, err := h.apikeys.Verify(ctx, token)
	if err != nil {
		return "", err
	}
	return key.Name, nil
}
