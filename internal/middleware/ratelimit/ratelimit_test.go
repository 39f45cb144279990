package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLimitsPerClient(t *testing.T) {
	rl := New(Config{RequestsPerMinute: 1, Burst: 2})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
		if resp.StatusCode == fiber.StatusTooManyRequests {
			assert.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestEvictIdleClients(t *testing.T) {
	rl := New(Config{RequestsPerMinute: 60, IdleTTL: time.Minute})
	defer rl.Stop()

	now := time.Now()
	rl.limiterFor("old", now.Add(-2*time.Minute))
	rl.limiterFor("fresh", now)

	rl.evict(now)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.clients, "old")
	assert.Contains(t, rl.clients, "fresh")
}
