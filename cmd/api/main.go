package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"

	"github.com/EXCALOFRIO/FlowCode/internal/adapters/builder"
	"github.com/EXCALOFRIO/FlowCode/internal/adapters/docker"
	"github.com/EXCALOFRIO/FlowCode/internal/adapters/gemini"
	httpadapter "github.com/EXCALOFRIO/FlowCode/internal/adapters/http"
	"github.com/EXCALOFRIO/FlowCode/internal/config"
	"github.com/EXCALOFRIO/FlowCode/internal/core/domain"
	"github.com/EXCALOFRIO/FlowCode/internal/core/planner"
	"github.com/EXCALOFRIO/FlowCode/internal/core/pool"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Infrastructure adapters.
	runtime, err := docker.NewAdapter(cfg.Workspace.OutputLimit)
	if err != nil {
		log.Fatalf("Failed to initialize Docker adapter: %v", err)
	}
	if err := runtime.Ping(context.Background()); err != nil {
		log.Fatalf("Docker daemon not reachable: %v", err)
	}

	imageBuilder, err := builder.NewAdapter()
	if err != nil {
		log.Fatalf("Failed to initialize builder: %v", err)
	}

	llm, err := gemini.NewClient(cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.Gemini.BaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize Gemini client: %v", err)
	}

	// Core services.
	workspacePool := pool.New(runtime, pool.Options{
		DefaultImage: cfg.Workspace.DefaultImage,
		WorkspaceDir: cfg.Workspace.Dir,
		UploadsDir:   cfg.Workspace.UploadsDir,
		Size:         cfg.Workspace.PoolSize,
	})

	taskPlanner := &planner.Planner{
		LLM:        llm,
		Runtime:    runtime,
		Pool:       workspacePool,
		Searcher:   gemini.NewSearcher(llm),
		UploadsDir: cfg.Workspace.UploadsDir,
	}

	// Reconcile leftovers from a previous run and warm up a workspace.
	if record, removals, err := workspacePool.Acquire(context.Background(), domain.CreateOptions{}); err != nil {
		log.Printf("Startup workspace acquisition failed: %v", err)
	} else {
		log.Printf("Workspace ready: %s (%d stale removed)", record.Name, len(removals))
	}

	handler := httpadapter.NewHandler(runtime, workspacePool, imageBuilder, taskPlanner, httpadapter.Options{
		DefaultImage: cfg.Workspace.DefaultImage,
		WorkspaceDir: cfg.Workspace.Dir,
		UploadsDir:   cfg.Workspace.UploadsDir,
		ExecTimeout:  cfg.Workspace.ExecTimeout,
	})

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})

	app.Get("/healthz", handler.Health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	containers := v1.Group("/containers")
	containers.Get("/", handler.ListContainers)
	containers.Post("/", handler.CreateContainer)
	containers.Post("/available", handler.AvailableContainer)
	containers.Post("/cleanup", handler.CleanupContainers)
	containers.Post("/reset", handler.ResetContainer)
	containers.Delete("/:id", handler.RemoveContainer)
	containers.Post("/:id/exec", handler.Exec)
	containers.Post("/:id/files", handler.UploadFiles)
	containers.Get("/:id/files", handler.ListFiles)
	containers.Get("/:id/files/read", handler.ReadFile)
	containers.Get("/:id/files/search", handler.SearchFiles)
	containers.Get("/:id/files/grep", handler.SearchInFiles)
	containers.Delete("/:id/files", handler.DeletePath)
	containers.Get("/:id/status", handler.Status)
	containers.Get("/:id/logs", handler.Logs)

	v1.Post("/plan", handler.GeneratePlan)

	// Graceful shutdown on SIGINT/SIGTERM.
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Println("Shutting down...")
		if err := app.ShutdownWithTimeout(cfg.HTTP.ShutdownTimeout); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
