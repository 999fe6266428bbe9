package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/Polaris/app/controllers"
	"github.com/ManuelReschke/Polaris/internal/pkg/billing"
	"github.com/ManuelReschke/Polaris/internal/pkg/cache"
	"github.com/ManuelReschke/Polaris/internal/pkg/database"
	"github.com/ManuelReschke/Polaris/internal/pkg/env"
	"github.com/ManuelReschke/Polaris/internal/pkg/jobqueue"
	"github.com/ManuelReschke/Polaris/internal/pkg/router"
	"github.com/ManuelReschke/Polaris/internal/pkg/s3archive"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4100")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/polaris to project root
		"../../../", // Fallback
	}

	// Find the correct base path
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}

	if basePath == "" {
		panic("Could not find project root directory")
	}

	controllers.InitializeBillingController(newBillingService())

	// init fiber app
	app := fiber.New(fiber.Config{
		// Gateway notifications are small; anything larger is not ours
		BodyLimit: 1 * 1024 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// prometheus metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), adaptor.HTTPHandler(promhttp.Handler()))

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	return app
}

// newBillingService wires the billing core to MySQL, the entitlement cache
// and, when enabled, the queued S3 payload archive.
func newBillingService() *billing.Service {
	cfg := billing.LoadConfig()
	repo := billing.NewRepository(database.GetDB(), cfg.UseProcedures)

	opts := billing.Options{
		Cache: cache.NewEntitlementCacheFromEnv(),
	}

	archiveCfg, err := s3archive.LoadConfig()
	if err != nil {
		fiberlog.Warnf("[S3Archive] payload archive disabled: %v", err)
	} else if archiveCfg.IsEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := s3archive.NewClient(ctx, archiveCfg)
		cancel()
		if err != nil {
			fiberlog.Warnf("[S3Archive] payload archive disabled: %v", err)
		} else {
			// Archive uploads run on the queue workers, off the webhook path
			manager := jobqueue.SetupManager(client)
			manager.Start()
			opts.Archive = manager.GetQueue()
		}
	}

	if !cfg.Stripe.Enabled && !cfg.LemonSqueezy.Enabled {
		fiberlog.Warn("[Billing] no payment provider enabled; checkout and portal requests will answer 503 no_provider")
	}
	return billing.NewService(cfg, repo, opts)
}
