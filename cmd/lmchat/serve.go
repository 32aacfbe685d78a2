package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/lmchat"
	"github.com/MegaGrindStone/lmchat/internal/chat"
	"github.com/MegaGrindStone/lmchat/internal/handlers"
	"github.com/MegaGrindStone/lmchat/internal/markdown"
	"github.com/MegaGrindStone/lmchat/internal/services"
)

const errLoggerKey = "err"

func (a *app) serve(ctx context.Context) error {
	logger := a.logger

	llm, err := a.cfg.LLM.llm(http.DefaultClient, logger)
	if err != nil {
		return fmt.Errorf("error creating llm: %w", err)
	}
	if err := llm.Healthy(ctx); err != nil {
		logger.Warn("Inference server is not reachable", slog.String(errLoggerKey, err.Error()))
	}

	dir, err := a.dataDir()
	if err != nil {
		return err
	}
	boltDB, err := services.NewBoltDB(filepath.Join(dir, "store.db"))
	if err != nil {
		return err
	}
	defer boltDB.Close()

	settings, err := boltDB.Settings(ctx)
	if err != nil {
		return err
	}
	if err := boltDB.SaveSettings(ctx, a.cfg.applyTo(settings)); err != nil {
		return err
	}

	renderer := markdown.New(markdown.WithLogger(logger), markdown.WithHighlighting(a.cfg.HighlightStyle))
	css, err := renderer.CSS()
	if err != nil {
		return fmt.Errorf("error generating highlight stylesheet: %w", err)
	}

	svc, err := chat.NewService(ctx, llm, boltDB, renderer, a.cfg.extractor(), logger)
	if err != nil {
		return err
	}

	m, err := handlers.NewMain(svc, css, logger)
	if err != nil {
		return err
	}
	svc.SetObserver(m)

	// Serve static files
	staticFS, err := fs.Sub(lmchat.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/highlight.css", m.HandleHighlightCSS)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/abort", m.HandleAbort)
	mux.HandleFunc("/chats/regenerate", m.HandleRegenerate)
	mux.HandleFunc("/chats/delete", m.HandleDeleteChat)
	mux.HandleFunc("/settings", m.HandleSettings)
	mux.HandleFunc("/sse/messages", m.HandleSSE)
	mux.HandleFunc("/sse/chats", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		svc.Close()
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		svc.Close()
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		logger.Info("Start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
		// RegisterOnShutdown hooks run in their own goroutines.
		svc.Close()
	}
	return nil
}
