package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/qms_backend/models"
)

type attachmentReader struct {
	store *models.CarStore
}

func (r *attachmentReader) GetAttachments(ctx context.Context, carIds []string) []*dataloader.Result[[]*models.Attachment] {
	byCar, err := r.store.AttachmentsByCarIds(ctx, carIds)
	if err != nil {
		return handleError[[]*models.Attachment](len(carIds), err)
	}
	return generateLoaderArrayResults(byCar, carIds)
}

func GetCarAttachments(ctx context.Context, carId string) ([]*models.Attachment, error) {
	loaders := For(ctx)
	if loaders == nil {
		return nil, ErrNoLoaders
	}
	return loaders.attachmentLoader.Load(ctx, carId)()
}
