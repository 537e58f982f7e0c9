package middleware

import (
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/danavision/api/pkg/response"
)

type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// Limit allows maxRequests per user per fixed window
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" || maxRequests <= 0 || rl.redis == nil {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := c.UserContext()

		pipe := rl.redis.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[ratelimit] Redis unavailable, allowing request: %v", err)
			return c.Next()
		}
		count := incr.Val()

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set("Retry-After", fmt.Sprintf("%d", int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))
		return c.Next()
	}
}

// DiscoveryLimit limits price discovery and refresh jobs per hour
func (rl *RateLimiter) DiscoveryLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("discovery", maxPerHour, time.Hour)
}

// AutoConfigLimit limits store auto-configuration jobs per hour
func (rl *RateLimiter) AutoConfigLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("autoconfig", maxPerHour, time.Hour)
}
