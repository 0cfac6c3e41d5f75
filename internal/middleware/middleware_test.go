package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendxa/processing/internal/auth"
	"github.com/opendxa/processing/internal/testutil"
)

func newApp(rl *RateLimiter, limit int) *fiber.App {
	app := fiber.New()
	handlers := []fiber.Handler{NewAuthMiddleware("secret").Authenticate()}
	if rl != nil {
		handlers = append(handlers, rl.SubmitLimit(limit))
	}
	handlers = append(handlers, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"userId": GetUserID(c), "teams": GetClaims(c).TeamIDs})
	})
	app.Get("/me", handlers...)
	return app
}

func TestAuthenticate(t *testing.T) {
	app := newApp(nil, 0)
	tok, err := auth.GenerateToken("secret", "user-1", []string{"team-1"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"bearer header", "/me", "Bearer " + tok, fiber.StatusOK},
		{"query token", "/me?token=" + tok, "", fiber.StatusOK},
		{"missing", "/me", "", fiber.StatusUnauthorized},
		{"wrong scheme", "/me", "Basic " + tok, fiber.StatusUnauthorized},
		{"garbage", "/me", "Bearer garbage", fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestRateLimit(t *testing.T) {
	rdb := testutil.Redis(t)
	app := newApp(NewRateLimiter(rdb), 2)
	tok, err := auth.GenerateToken("secret", "user-1", []string{"team-1"}, time.Hour)
	require.NoError(t, err)

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest("GET", "/me", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		codes[i] = resp.StatusCode
		if i == 2 {
			assert.NotEmpty(t, resp.Header.Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{fiber.StatusOK, fiber.StatusOK, fiber.StatusTooManyRequests}, codes)

	ttl, err := rdb.TTL(t.Context(), "ratelimit:submit:user-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
