package middlewares

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docshare_backend/utils"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter in Redis.
type RateLimiter struct {
	client *redis.Client
	scope  string
	limit  int64
	window time.Duration
}

// NewRateLimiter counts requests per scope and caller (user id when authenticated, else client IP).
func NewRateLimiter(client *redis.Client, scope string, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		scope:  scope,
		limit:  limit,
		window: window,
	}
}

func (rl *RateLimiter) key(c *gin.Context) string {
	caller := "ip:" + c.ClientIP()
	if id, ok := utils.GetUserIdFromContext(c.Request.Context()); ok && id > 0 {
		caller = "user:" + strconv.Itoa(id)
	}
	return fmt.Sprintf("ratelimit:%s:%s", rl.scope, caller)
}

// RateLimitMiddleware rejects callers over the limit with 429.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	if rl == nil || rl.client == nil {
		c.Next()
		return
	}
	key := rl.key(c)

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	// First hit in the window starts the clock.
	if count == 1 {
		if err := rl.client.Expire(c.Request.Context(), key, rl.window).Err(); err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}
