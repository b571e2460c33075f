package middlewares

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/qms_backend/config"
	"github.com/mmdatafocus/qms_backend/models"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders batch the per-CAR lookups a listing needs into one query each.
type Loaders struct {
	attachmentLoader *dataloader.Loader[string, []*models.Attachment]
	registryLoader   *dataloader.Loader[string, []*models.RegistryEntry]
}

func NewLoaders(store *models.CarStore) *Loaders {
	attachmentReader := &attachmentReader{store: store}
	registryReader := &registryReader{store: store}

	return &Loaders{
		attachmentLoader: dataloader.NewBatchedLoader(attachmentReader.GetAttachments, dataloader.WithWait[string, []*models.Attachment](time.Millisecond)),
		registryLoader:   dataloader.NewBatchedLoader(registryReader.GetRegistryEntries, dataloader.WithWait[string, []*models.RegistryEntry](time.Millisecond)),
	}
}

func LoaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(models.NewCarStore(config.GetDB()))
		ctx := WithLoaders(c.Request.Context(), loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func WithLoaders(ctx context.Context, l *Loaders) context.Context {
	return context.WithValue(ctx, loadersKey, l)
}

// ErrNoLoaders means the request did not pass through LoaderMiddleware.
var ErrNoLoaders = errors.New("dataloaders not installed on context")

func For(ctx context.Context) *Loaders {
	l, _ := ctx.Value(loadersKey).(*Loaders)
	return l
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// each key has many related results; keys without any get an empty slice
func generateLoaderArrayResults[T any](byKey map[string][]T, keys []string) []*dataloader.Result[[]*T] {
	loaderResults := make([]*dataloader.Result[[]*T], 0, len(keys))
	for _, key := range keys {
		rows := byKey[key]
		out := make([]*T, 0, len(rows))
		for i := range rows {
			out = append(out, &rows[i])
		}
		loaderResults = append(loaderResults, &dataloader.Result[[]*T]{Data: out})
	}
	return loaderResults
}
