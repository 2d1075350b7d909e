// Command export runs the backup pipeline once: it writes the annotation
// lists and transcription files for every digital edition document into
// the backup repository, commits, and optionally pushes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"geniza/api/internal/config"
	"geniza/api/internal/export"
	"geniza/api/internal/gitrepo"
	"geniza/api/internal/store"
)

func main() {
	idsFlag := flag.String("ids", "", "comma-separated document ids to export (default: all edition documents)")
	pushFlag := flag.Bool("push", false, "push the backup repository after committing")
	timeoutFlag := flag.Duration("timeout", 30*time.Minute, "overall run timeout")
	flag.Parse()

	only, err := parseIDs(*idsFlag)
	if err != nil {
		log.Fatalf("invalid -ids: %v", err)
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()
	dataStore := store.NewPostgresStore(db)

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
		Push:    *pushFlag,
	})

	report, err := exporter.Run(ctx, only, store.SystemActor)
	if err != nil {
		log.Fatalf("export failed: %v", err)
	}

	fmt.Printf("exported %d document(s)\n", len(report.Exported))
	if len(report.Failed) > 0 {
		fmt.Printf("failed %d document(s): %v\n", len(report.Failed), report.Failed)
	}
	switch {
	case report.Pushed:
		fmt.Println("pushed to backup remote")
	case report.PushSkipped:
		fmt.Println("push skipped: no backup remote configured")
	case !report.Committed:
		fmt.Println("nothing changed, no commit made")
	}
	if len(report.Failed) > 0 {
		os.Exit(1)
	}
}

func parseIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
