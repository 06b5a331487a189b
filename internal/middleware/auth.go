package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"entitlement-api/internal/response"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth authenticates client-callable endpoints with a shared API
// key. The key arrives in the X-API-Key header or the api_key query
// parameter.
func APIKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			// No key configured: open for local development only.
			c.Next()
			return
		}

		provided := c.GetHeader("X-API-Key")
		if provided == "" {
			provided = c.Query("api_key")
		}

		if provided == "" {
			c.JSON(http.StatusUnauthorized, response.Error("Missing api_key"))
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			c.JSON(http.StatusUnauthorized, response.Error("Invalid api_key"))
			c.Abort()
			return
		}

		c.Set("request_time", time.Now())
		c.Next()
	}
}
