package httpapi

import (
	"platform-economy/services/ledger"
	"platform-economy/services/reward"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
)

type awardRequest struct {
	UserID      string            `json:"user_id" binding:"required"`
	Amount      int64             `json:"amount" binding:"required"`
	SourceType  ledger.SourceType `json:"source_type" binding:"required"`
	SourceID    string            `json:"source_id" binding:"required"`
	Description string            `json:"description"`
	Metadata    datatypes.JSON    `json:"metadata"`
}

func (h *Handler) awardCoins(c *gin.Context) {
	var req awardRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.reward.AwardCoins(c.Request.Context(), reward.AwardParams{
		UserID:      req.UserID,
		Amount:      req.Amount,
		SourceType:  req.SourceType,
		SourceID:    req.SourceID,
		Description: req.Description,
		Metadata:    req.Metadata,
		ActorID:     actorID(c),
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

type spendRequest struct {
	UserID      string            `json:"user_id" binding:"required"`
	Amount      int64             `json:"amount" binding:"required"`
	SourceType  ledger.SourceType `json:"source_type"`
	SourceID    string            `json:"source_id"`
	Description string            `json:"description"`
	Metadata    datatypes.JSON    `json:"metadata"`
}

func (h *Handler) spendCoins(c *gin.Context) {
	var req spendRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.reward.SpendCoins(c.Request.Context(), reward.SpendParams{
		UserID:      req.UserID,
		Amount:      req.Amount,
		SourceType:  req.SourceType,
		SourceID:    req.SourceID,
		Description: req.Description,
		Metadata:    req.Metadata,

		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

func (h *Handler) createRedemptionOption(c *gin.Context) {
	var req reward.CreateRedemptionOptionParams
	if !bind(c, &req) {
		return
	}
	opt, err := h.reward.CreateRedemptionOption(c.Request.Context(), actorID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, opt)
}

func (h *Handler) listRedemptionOptions(c *gin.Context) {
	opts, err := h.reward.ListRedemptionOptions(c.Request.Context(), true)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, opts)
}

type redeemRequest struct {
	OptionID string `json:"option_id" binding:"required"`
}

func (h *Handler) redeem(c *gin.Context) {
	var req redeemRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.reward.Redeem(c.Request.Context(), actorID(c), req.OptionID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}
