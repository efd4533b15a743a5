package httpapi

import (
	"github.com/gin-gonic/gin"
)

func (h *Handler) getBalance(c *gin.Context) {
	user := actorID(c)
	bal, err := h.ledger.GetBalance(c.Request.Context(), user)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"user_id": user, "balance": bal})
}

func (h *Handler) listTransactions(c *gin.Context) {
	h.transactions(c, actorID(c))
}

func (h *Handler) listUserTransactions(c *gin.Context) {
	h.transactions(c, c.Param("user_id"))
}

func (h *Handler) transactions(c *gin.Context, userID string) {
	limit, offset, valid := pageParams(c)
	if !valid {
		return
	}
	page, err := h.ledger.ListTransactions(c.Request.Context(), userID, limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, page)
}

func (h *Handler) getMyStatistics(c *gin.Context) {
	days, valid := queryInt(c, "window_days", 0)
	if !valid {
		return
	}
	stats, err := h.ledger.Statistics(c.Request.Context(), actorID(c), days)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, stats)
}

func (h *Handler) verifyChain(c *gin.Context) {
	report, err := h.ledger.VerifyChain(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, report)
}

func (h *Handler) reconcile(c *gin.Context) {
	report, err := h.ledger.Reconcile(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, report)
}

func (h *Handler) overview(c *gin.Context) {
	days, valid := queryInt(c, "window_days", 30)
	if !valid {
		return
	}
	o, err := h.statistics.Overview(c.Request.Context(), days)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, o)
}
