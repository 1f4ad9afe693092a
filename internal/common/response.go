package common

import (
	"github.com/gin-gonic/gin"
)

// ErrorBody is the JSON error shape every endpoint answers with.
type ErrorBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func Fail(c *gin.Context, httpStatus int, msg string) {
	c.AbortWithStatusJSON(httpStatus, ErrorBody{Error: msg})
}

func FailRetry(c *gin.Context, httpStatus int, msg string, retryAfter int) {
	c.AbortWithStatusJSON(httpStatus, ErrorBody{Error: msg, RetryAfter: retryAfter})
}

func OK(c *gin.Context, httpStatus int, data any) {
	c.JSON(httpStatus, data)
}
