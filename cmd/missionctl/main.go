// Package main is the entry point for Mission Control. A single binary runs
// the store, the dispatch and monitoring engine, the orchestrator and the
// HTTP API together.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/config"
	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/common/tracing"
	"github.com/missionctl/missionctl/internal/dispatch"
	"github.com/missionctl/missionctl/internal/events"
	"github.com/missionctl/missionctl/internal/gateway"
	"github.com/missionctl/missionctl/internal/lifecycle"
	"github.com/missionctl/missionctl/internal/monitor"
	"github.com/missionctl/missionctl/internal/orchestrator"
	"github.com/missionctl/missionctl/internal/planning"
	"github.com/missionctl/missionctl/internal/reconcile"
	"github.com/missionctl/missionctl/internal/task/handlers"
	"github.com/missionctl/missionctl/internal/task/repository/sqlite"
	"github.com/missionctl/missionctl/internal/task/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Mission Control...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	store, err := sqlite.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	defer store.Close()
	log.Info("Database ready", zap.String("path", cfg.Database.Path))

	gw := gateway.NewOpenClawClient(cfg.Gateway, log)
	if err := gw.Connect(ctx); err != nil {
		log.Warn("Gateway connection failed, will retry in background", zap.Error(err))
	}
	defer gw.Close()

	machine := lifecycle.NewMachine(store, eventBus, log)
	monitors := monitor.NewRegistry(store, gw, machine, eventBus, cfg.Monitor, log)
	defer monitors.StopAll()

	dispatcher := dispatch.NewDispatcher(store, gw, machine, monitors, eventBus, cfg.Monitor, log)
	router := orchestrator.NewRouter(store, gw, machine, monitors, dispatcher, eventBus, cfg.Orchestrator, log)
	monitors.SetOrchestrator(router)

	reconciler := reconcile.NewReconciler(store, gw, machine, monitors, log)
	planner := planning.NewController(store, gw, machine, dispatcher, router, eventBus, log)
	svc := service.NewService(store, eventBus, machine, log)

	// Completion sweep in the background, same cadence as the monitors.
	go func() {
		ticker := time.NewTicker(cfg.Monitor.PollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report, err := reconciler.CheckCompletions(ctx)
				if err != nil {
					log.Warn("Completion sweep failed", zap.Error(err))
					continue
				}
				if len(report.Completed) > 0 {
					log.Info("Completion sweep accepted tasks",
						zap.Int("checked", report.Checked),
						zap.Strings("completed", report.Completed))
				}
			}
		}
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	handler := handlers.NewHandler(svc, dispatcher, reconciler, planner, router, monitors, eventBus, log)
	handlers.SetupRoutes(engine.Group("/api/v1"), handler)

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "missionctl"})
	})

	port := cfg.Server.Port
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// The test pipeline runs out of process; the trigger is a self-call so the
	// activity log and event stream record it like any external trigger.
	monitors.SetTestRunner(&testPipelineTrigger{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  log,
	})

	go func() {
		log.Info("API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Mission Control...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	monitors.StopAll()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Mission Control stopped")
}

// testPipelineTrigger kicks the test pipeline through the public API.
type testPipelineTrigger struct {
	baseURL string
	client  *http.Client
	logger  *logger.Logger
}

func (t *testPipelineTrigger) Trigger(taskID string) {
	go func() {
		url := fmt.Sprintf("%s/api/v1/tasks/%s/test", t.baseURL, taskID)
		resp, err := t.client.Post(url, "application/json", nil)
		if err != nil {
			t.logger.Warn("Test pipeline trigger failed", zap.String("task_id", taskID), zap.Error(err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			t.logger.Warn("Test pipeline trigger rejected",
				zap.String("task_id", taskID),
				zap.Int("status", resp.StatusCode))
		}
	}()
}

// corsMiddleware allows the chat frontend to call the API cross-origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
