// export-backup writes the spreadsheet backup of every CAR and registry entry
// to a local file.
//
// Usage:
//   go run ./cmd/export-backup -out cars-2024-03-01.xlsx
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/qms_backend/config"
	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/workflow"
)

func main() {
	out := flag.String("out", "cars-backup.xlsx", "output file")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	svc := workflow.NewService(&models.CarStore{DB: db}, config.GetLogger(), workflow.WithLocation(config.AppLocation()))
	cars, err := svc.ListCars(ctx, models.CarFilter{}, models.CarSort{Field: models.CarSortCreatedAt})
	if err != nil {
		fmt.Fprintf(os.Stderr, "list cars: %v\n", err)
		os.Exit(1)
	}
	registry, err := svc.ListRegistry(ctx, models.RegistryFilter{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "list registry: %v\n", err)
		os.Exit(1)
	}
	data, err := workflow.BuildCarBackup(cars, registry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build backup: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d CARs and %d registry entries to %s\n", len(cars), len(registry), *out)
}
