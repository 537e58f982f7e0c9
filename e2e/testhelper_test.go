package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/danavision/api/internal/auth"
	"github.com/danavision/api/internal/autoconfig"
	"github.com/danavision/api/internal/config"
	"github.com/danavision/api/internal/handler"
	"github.com/danavision/api/internal/ledger"
	"github.com/danavision/api/internal/middleware"
	"github.com/danavision/api/internal/registry"
	"github.com/danavision/api/internal/service"
	"github.com/danavision/api/internal/storage"
	"github.com/danavision/api/internal/worker"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testUserID    = "test-user-123"
)

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	jobs     *service.JobService
	mem      *storage.Memory
	registry *registry.Registry
	ledger   *ledger.Ledger
	runner   *worker.Runner
	auto     *worker.AutoConfigWorker
}

// setupApp wires the same routes as main.go over in-memory storage, a
// network-free auto-config engine and the Redis test database. Tests are
// skipped when Redis is not running.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	// Redis (localhost, DB 15 to avoid collisions)
	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr: "localhost:6379",
		DB:   15,
	})
	t.Cleanup(func() {
		asynqClient.Close()
		redisClient.Close()
	})

	jobsCfg := &config.JobsConfig{MaxRetry: 2, Retention: time.Hour}
	validate := validator.New()

	mem := storage.NewMemory()
	reg := registry.New(mem)
	lg := ledger.New(mem)
	jobService := service.NewJobService(redisClient, asynqClient, jobsCfg)

	// No fetcher and no analyzer: only the catalog tiers can answer.
	engine := autoconfig.NewEngine(nil, nil, nil, reg, nil)

	jobHandler := handler.NewJobHandler(jobService, mem, validate)
	storeHandler := handler.NewStoreHandler(reg, jobService, validate)
	authHandler := handler.NewAuthHandler(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Backends this app runs without report down, as main does when they
	// are not configured.
	health := handler.NewHealthHandler(map[string]handler.HealthCheck{
		"redis": func(ctx context.Context) bool {
			return redisClient.Ping(ctx).Err() == nil
		},
		"postgres":  handler.Static(false),
		"ai":        handler.Static(false),
		"crawl4ai":  handler.Static(false),
		"firecrawl": handler.Static(false),
		"r2":        handler.Static(false),
		"auth":      handler.Static(true),
	})

	app := fiber.New()
	app.Get("/health", health.Check)
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", middleware.NewAuthMiddleware(testJWTSecret).Authenticate())

	// Use very high rate limits so tests don't get blocked
	api.Post("/discovery", rateLimiter.DiscoveryLimit(10000), jobHandler.StartDiscovery)
	api.Post("/items/:id/refresh", rateLimiter.DiscoveryLimit(10000), jobHandler.StartRefresh)

	jobs := api.Group("/jobs")
	jobs.Get("/", jobHandler.List)
	jobs.Get("/:jobId", jobHandler.Status)
	jobs.Get("/:jobId/result", jobHandler.Result)
	jobs.Post("/:jobId/cancel", jobHandler.Cancel)

	stores := api.Group("/stores")
	stores.Get("/", storeHandler.List)
	stores.Get("/lookup", storeHandler.Lookup)
	stores.Post("/", rateLimiter.AutoConfigLimit(10000), storeHandler.Add)

	return &testApp{
		app:      app,
		jobs:     jobService,
		mem:      mem,
		registry: reg,
		ledger:   lg,
		runner:   worker.NewRunner(jobService, nil, jobsCfg),
		auto:     worker.NewAutoConfigWorker(engine, reg),
	}
}

// generateToken creates an HMAC JWT for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.IssueToken(testUserID, "test@example.com", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
