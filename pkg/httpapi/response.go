package httpapi

import (
	"net/http"
	"strconv"

	"platform-economy/pkg/errutil"
	"platform-economy/pkg/middleware"

	"github.com/gin-gonic/gin"
)

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, err error) {
	_ = c.Error(err)
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		fail(c, errutil.BadRequest("invalid request body", err))
		return false
	}
	return true
}

func actorID(c *gin.Context) string {
	return middleware.ActorFrom(c).ID
}

// queryInt reads an integer query parameter, returning def when absent.
func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		fail(c, errutil.BadRequest("invalid "+key, err,
			errutil.WithDetails(errutil.Detail{Field: key, Message: "must be an integer"})))
		return 0, false
	}
	return n, true
}

func pageParams(c *gin.Context) (limit, offset int, valid bool) {
	if limit, valid = queryInt(c, "limit", 0); !valid {
		return
	}
	offset, valid = queryInt(c, "offset", 0)
	return
}
