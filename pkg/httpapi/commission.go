package httpapi

import (
	"platform-economy/services/commission"

	"github.com/gin-gonic/gin"
)

func (h *Handler) createPayment(c *gin.Context) {
	var req commission.CreatePaymentParams
	if !bind(c, &req) {
		return
	}
	p, err := h.commission.CreateManualPayment(c.Request.Context(), actorID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, p)
}

func (h *Handler) getPayment(c *gin.Context) {
	p, err := h.commission.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, p)
}

func (h *Handler) processPayment(c *gin.Context) {
	var req commission.ProcessParams
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	p, err := h.commission.ProcessPayment(c.Request.Context(), c.Param("id"), actorID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, p)
}

type markPaidRequest struct {
	Reference string `json:"reference"`
}

func (h *Handler) markAsPaid(c *gin.Context) {
	var req markPaidRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	p, err := h.commission.MarkAsPaid(c.Request.Context(), c.Param("id"), actorID(c), req.Reference)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, p)
}

type markFailedRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) markAsFailed(c *gin.Context) {
	var req markFailedRequest
	if !bind(c, &req) {
		return
	}
	p, err := h.commission.MarkAsFailed(c.Request.Context(), c.Param("id"), actorID(c), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, p)
}

func (h *Handler) resubmitPayment(c *gin.Context) {
	p, err := h.commission.ResubmitPayment(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		fail(c, err)
		return
	}
	created(c, p)
}

type bulkProcessRequest struct {
	PaymentIDs []string `json:"payment_ids" binding:"required,min=1,max=500"`
	Reference  string   `json:"reference"`
	Notes      string   `json:"notes"`
}

func (h *Handler) bulkProcess(c *gin.Context) {
	var req bulkProcessRequest
	if !bind(c, &req) {
		return
	}
	results := h.commission.BulkProcessPayments(c.Request.Context(), req.PaymentIDs, actorID(c), commission.ProcessParams{
		Reference: req.Reference,
		Notes:     req.Notes,
	})

	succeeded := 0
	for _, r := range results {
		if r.Err == nil {
			succeeded++
		}
	}
	ok(c, gin.H{
		"results":   results,
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
	})
}

func (h *Handler) pendingPayments(c *gin.Context) {
	limit, offset, valid := pageParams(c)
	if !valid {
		return
	}
	page, err := h.commission.GetPendingPayments(c.Request.Context(), c.Query("partner_id"), limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, page)
}

func (h *Handler) paymentHistory(c *gin.Context) {
	h.history(c, c.Param("partner_id"))
}

func (h *Handler) getMyCommissions(c *gin.Context) {
	h.history(c, actorID(c))
}

func (h *Handler) history(c *gin.Context, partnerID string) {
	limit, offset, valid := pageParams(c)
	if !valid {
		return
	}
	page, err := h.commission.GetPaymentHistory(c.Request.Context(), partnerID, limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, page)
}

func (h *Handler) paymentStatistics(c *gin.Context) {
	stats, err := h.commission.GetPaymentStatistics(c.Request.Context(), c.Query("partner_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, stats)
}
