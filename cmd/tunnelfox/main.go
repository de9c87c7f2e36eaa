package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/TunnelFox/app/controllers"
	"github.com/ManuelReschke/TunnelFox/app/repository"
	apiv1 "github.com/ManuelReschke/TunnelFox/internal/api/v1"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/cache"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/database"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/diagnostics"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/env"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/panel"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/panelhealth"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/provisioning"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/router"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/s3archive"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/security"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/statistics"
)

func main() {
	app := NewApplication()

	go func() {
		err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
		if err != nil {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[Main] Shutting down")
	panelhealth.StopMonitor()
	jobqueue.GetManager().Stop()
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		log.Errorf("[Main] Shutdown failed: %v", err)
	}
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	deps := setupProvisioning()
	controllers.InitializeControllers(deps)

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "TunnelFox",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	if _, err := apiv1.GetSwagger(); err != nil {
		log.Fatalf("[Main] %v", err)
	}
	openAPICfg := swagger.Config{
		BasePath:    "/docs/api/",
		FilePath:    "openapi.yml",
		FileContent: apiv1.SpecYAML,
		Path:        "v1",
		Title:       "TunnelFox API",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	return app
}

// setupProvisioning builds the provisioning core and starts the background workers.
func setupProvisioning() controllers.Dependencies {
	repos := repository.GetGlobalRepositories()

	box, err := security.NewSecretBox(env.GetEnv("PANEL_SECRET_KEY", ""))
	if err != nil {
		log.Fatalf("[Main] PANEL_SECRET_KEY: %v", err)
	}

	tokenTTL := time.Duration(env.GetEnvInt("PANEL_TOKEN_TTL_MINUTES", 30)) * time.Minute
	registry := panel.NewRegistry(
		panel.NewTokenCache(tokenTTL),
		box,
		panel.WithTimeout(env.GetEnvSeconds("PANEL_HTTP_TIMEOUT_SECONDS", 10*time.Second)),
	)

	svc := provisioning.NewService(repos, registry, provisioning.WithRecorder(counter.Recorder{}))
	engine := diagnostics.NewEngine(repos, svc)

	checker := panelhealth.NewChecker(repos.Panel, registry)
	panelhealth.StartMonitor(checker, env.GetEnvSeconds("PANEL_HEALTH_INTERVAL_SECONDS", panelhealth.DefaultInterval))

	manager := jobqueue.GetManager()
	manager.UseProvisioner(svc)
	setupArchive(manager, repos)
	manager.Start()

	return controllers.Dependencies{
		Repos:    repos,
		Service:  svc,
		Engine:   engine,
		Checker:  checker,
		Registry: registry,
		Box:      box,
		Jobs:     manager.GetQueue(),
		Stats:    statistics.NewCollector(repos),
	}
}

func setupArchive(manager *jobqueue.Manager, repos *repository.Repositories) {
	cfg, err := s3archive.LoadConfig()
	if err != nil {
		log.Errorf("[Main] Attempt archive disabled: %v", err)
		return
	}
	if !cfg.IsEnabled() {
		log.Info("[Main] Attempt archive disabled")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := s3archive.NewClient(ctx, cfg)
	if err != nil {
		log.Errorf("[Main] Attempt archive disabled: %v", err)
		return
	}
	manager.UseArchiver(s3archive.NewArchiver(repos.Attempt, client, cfg))
}
