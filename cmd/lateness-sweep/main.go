// lateness-sweep flags overdue CARs and opens their registry entries. Meant
// for a daily scheduler; reads repair lateness too, so a missed run is harmless.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mmdatafocus/qms_backend/config"
	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/workflow"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	svc := workflow.NewService(&models.CarStore{DB: db}, config.GetLogger(), workflow.WithLocation(config.AppLocation()))
	flipped, err := svc.RunLatenessSweep(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: %d CARs marked late\n", svc.Today(), flipped)
}
