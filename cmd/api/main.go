package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"geniza/api/internal/app"
	"geniza/api/internal/auth"
	"geniza/api/internal/config"
	"geniza/api/internal/export"
	"geniza/api/internal/gitrepo"
	"geniza/api/internal/search"
	"geniza/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore)

	tokens, err := auth.NewTokenStore(cfg.RedisURL, cfg.APIToken)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer tokens.Close()

	backupRepo := gitrepo.New(gitrepo.Options{
		Dir:         cfg.BackupDir,
		Remote:      cfg.BackupRemote,
		Branch:      cfg.BackupBranch,
		AuthorName:  cfg.BackupAuthorName,
		AuthorEmail: cfg.BackupAuthorEmail,
	})

	var mirror *export.Mirror
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		mirror, err = export.NewMirror(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioSecure)
		if err != nil {
			log.Printf("WARNING: object store mirror disabled: %v", err)
		}
	}
	exporter := export.NewService(dataStore, backupRepo, mirror, export.Options{
		BaseURL: cfg.BaseURL,
		Push:    cfg.BackupPush,
	})

	// Mutations feed the search index and trigger a per-document backup
	// run in the background.
	bus := app.NewBus()
	bus.Subscribe(func(event app.Event) {
		switch event.Type {
		case app.EventAnnotationSaved:
			searchService.IndexAnnotation(event.Annotation, event.DocumentID)
		case app.EventAnnotationDeleted:
			searchService.DeleteAnnotation(event.Annotation.ID.String())
		}
	})
	bus.Subscribe(func(event app.Event) {
		runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := exporter.Run(runCtx, []int64{event.DocumentID}, event.Actor); err != nil {
			log.Printf("backup after %s failed: %v", event.Type, err)
		}
	})

	service := app.NewService(dataStore, bus, cfg.BaseURL, cfg.PageSize)
	httpServer := app.NewHTTPServer(service, tokens, searchService, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Geniza annotation API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
