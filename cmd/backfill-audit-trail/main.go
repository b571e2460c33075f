// backfill-audit-trail writes the CAR_CREATED entry for CARs that predate the
// audit trail. Safe to rerun.
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
	// Explicit DB connect (config does not connect in init()).
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	svc := workflow.NewService(&models.CarStore{DB: db}, config.GetLogger(), workflow.WithLocation(config.AppLocation()))
	repaired, err := svc.BackfillAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backfill failed after %d CARs: %v\n", repaired, err)
		os.Exit(1)
	}
	fmt.Printf("backfilled %d CARs\n", repaired)
}
