package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/querymind/querymind/internal/ai"
	"github.com/querymind/querymind/internal/api"
	"github.com/querymind/querymind/internal/cache"
	"github.com/querymind/querymind/internal/config"
	"github.com/querymind/querymind/internal/connections"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := connections.Open(cfg.ConnectionsFile, cfg.KeyFile)
	if err != nil {
		log.Fatalf("Failed to open connection store: %v", err)
	}

	if cfg.AnthropicAPIKey == "" {
		log.Printf("[WARN] ANTHROPIC_API_KEY not set; /api/query will be unavailable")
	}
	sqlgen := ai.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)

	handler := api.NewHandler(store, cache.NewStore(cfg.CacheFile), sqlgen, cfg)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        mux,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		handler.Stop()
	}()

	fmt.Printf("QueryMind running at http://localhost:%s\n", cfg.Port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
