package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/caseflow/caseflow/internal/config"
	"github.com/caseflow/caseflow/internal/database"
	"github.com/caseflow/caseflow/internal/handlers"
	"github.com/caseflow/caseflow/internal/middleware"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the pipeline scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	passwordHash, err := resolveAdminHash(cfg, a.db)
	if err != nil {
		return err
	}

	jwtAuth := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		JWTExpiryHours:    cfg.JWTExpiryHours,
		SkipPaths: []string{
			"/health",
			"/auth/login",
		},
	})
	log.Printf("JWT authentication enabled for user: %s", cfg.AdminUsername)

	mux := http.NewServeMux()
	handlers.NewHTTPHandler().SetupRoutes(mux)
	handlers.NewAuthHandler(jwtAuth).SetupRoutes(mux)
	handlers.NewAPIHandler(a.stories, a.impacts, a.ingestor, a.scheduler).SetupRoutes(mux)

	cors := middleware.NewCORSMiddleware()
	handler := cors.Wrap(jwtAuth.Wrap(mux))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
	}

	stop := make(chan struct{})
	go a.scheduler.Start(stop)
	log.Printf("Pipeline scheduler started (interval: %s)", cfg.Pipeline.Interval())

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, cleaning up...")
	close(stop)
	if err := httpServer.Close(); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}
	log.Println("Shutdown complete")
	return nil
}

// resolveAdminHash hashes and persists ADMIN_PASSWORD when set; otherwise the
// server falls back to the hash stored on a previous start.
func resolveAdminHash(cfg *config.Config, db *gorm.DB) (string, error) {
	if cfg.AdminPassword != "" {
		hash, err := middleware.HashPassword(cfg.AdminPassword)
		if err != nil {
			return "", fmt.Errorf("failed to hash admin password: %w", err)
		}
		if err := database.SaveAPIKeySettings(db, hash); err != nil {
			return "", fmt.Errorf("failed to store admin credentials: %w", err)
		}
		return hash, nil
	}

	settings, err := database.GetAPIKeySettings(db)
	if err != nil {
		return "", fmt.Errorf("failed to load admin credentials: %w", err)
	}
	if settings == nil {
		return "", fmt.Errorf("ADMIN_PASSWORD is not set and no stored credentials exist")
	}
	return settings.PasswordHash, nil
}
