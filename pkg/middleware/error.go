package middleware

import (
	"platform-economy/pkg/errutil"
	"platform-economy/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached by a handler as the standard error
// envelope.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil || c.Writer.Written() {
			return
		}

		be := errutil.From(err.Err)
		status := be.Code.HTTPStatus()
		if status >= 500 {
			logger.L(c.Request.Context()).Error("request failed",
				zap.String("path", c.FullPath()),
				zap.String("request_id", RequestID(c)),
				zap.Error(err.Err),
			)
			// internal causes stay in the log
			be.Err = nil
		}
		c.JSON(status, be.JSON())
	}
}
