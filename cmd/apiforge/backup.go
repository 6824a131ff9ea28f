package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/apiforge/internal/config"
	"github.com/basket/apiforge/internal/persistence"
)

func runBackupCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	out := fs.String("o", "", "destination path (default: <backup_dir>/queue-<timestamp>.db)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	dest := *out
	if dest == "" {
		dest = filepath.Join(cfg.Maintenance.BackupDir,
			"queue-"+time.Now().UTC().Format("20060102-150405")+".db")
	}

	store, err := persistence.Open(cfg.DBPath, persistence.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.Backup(ctx, dest); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Printf("backup written to %s\n", dest)
	return 0
}
