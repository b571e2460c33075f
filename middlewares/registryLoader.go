package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/qms_backend/models"
)

type registryReader struct {
	store *models.CarStore
}

func (r *registryReader) GetRegistryEntries(ctx context.Context, carIds []string) []*dataloader.Result[[]*models.RegistryEntry] {
	byCar, err := r.store.RegistryByCarIds(ctx, carIds)
	if err != nil {
		return handleError[[]*models.RegistryEntry](len(carIds), err)
	}
	return generateLoaderArrayResults(byCar, carIds)
}

// GetCarRegistryEntries returns the CAR's non-submission entries, newest first.
func GetCarRegistryEntries(ctx context.Context, carId string) ([]*models.RegistryEntry, error) {
	loaders := For(ctx)
	if loaders == nil {
		return nil, ErrNoLoaders
	}
	return loaders.registryLoader.Load(ctx, carId)()
}
