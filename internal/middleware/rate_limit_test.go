package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

func TestRateLimitPerCaller(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(userIDLocal, c.Get("X-Test-User"))
		return c.Next()
	})
	app.Use(RateLimit(cache, "issue", 2, time.Minute))
	app.Post("/issue", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusCreated) })

	send := func(user string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/issue", nil)
		req.Header.Set("X-Test-User", user)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	for i := 0; i < 2; i++ {
		if code := send("teacher-1"); code != fiber.StatusCreated {
			t.Fatalf("request %d: expected 201 got %d", i, code)
		}
	}
	if code := send("teacher-1"); code != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", code)
	}
	if code := send("teacher-2"); code != fiber.StatusCreated {
		t.Fatalf("other callers keep their own budget, got %d", code)
	}

	mr.FastForward(time.Minute)
	if code := send("teacher-1"); code != fiber.StatusCreated {
		t.Fatalf("window should reset, got %d", code)
	}
}

func TestRateLimitWithoutCache(t *testing.T) {
	app := fiber.New()
	app.Use(RateLimit(nil, "issue", 1, time.Minute))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
		if err != nil || resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected pass-through, got %v %v", resp, err)
		}
	}
}
