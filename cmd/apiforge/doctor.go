package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/apiforge/internal/config"
	"github.com/basket/apiforge/internal/persistence"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := persistence.Open(cfg.DBPath, persistence.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	health, err := store.HealthCheck(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(health); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
		if !health.OK {
			return 1
		}
		return 0
	}

	fmt.Printf("apiforge doctor (%s)\n", health.CheckedAt.Format(time.RFC3339))
	fmt.Printf("database: %s\n", cfg.DBPath)
	fmt.Println("---")
	fmt.Printf("integrity:      %s\n", health.Integrity)
	fmt.Printf("schema version: %d\n", health.SchemaVersion)
	fmt.Printf("sessions:       %d\n", health.Sessions)
	fmt.Printf("tasks:          %d\n", health.Tasks)
	fmt.Printf("queue depth:    %d\n", health.QueueDepth)
	fmt.Printf("workers:        %d\n", health.Workers)
	fmt.Printf("error records:  %d\n", health.ErrorRecords)
	fmt.Printf("db size:        %d bytes\n", health.DBSizeBytes)

	if !health.OK {
		fmt.Println("result: FAIL")
		return 1
	}
	fmt.Println("result: ok")
	return 0
}
