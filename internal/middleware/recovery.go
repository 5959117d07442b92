package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/dto"
	bizerr "github.com/eidos-exchange/eidos/eidos-trust/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// Recovery panic 恢复
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
					zap.String("stack", string(debug.Stack())),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, dto.NewErrorResponse(bizerr.ErrInternal))
			}
		}()
		c.Next()
	}
}
