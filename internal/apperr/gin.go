package apperr

import (
	"callboard/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Response is the JSON error envelope returned by every API route.
type Response struct {
	Error     string `json:"error"`
	Code      Kind   `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// Abort writes the error envelope for err and stops the handler chain.
// Server-side failures are logged with their cause; the client only sees PublicMessage.
func Abort(c *gin.Context, err error) {
	status := HTTPStatus(err)
	if status >= 500 {
		logger.FromGin(c).Error("request failed", "err", err, "code", KindOf(err))
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, Response{
		Error:     PublicMessage(err),
		Code:      KindOf(err),
		RequestID: logger.RequestID(c),
	})
}
