package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/qms_backend/config"
	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/utils"
	"github.com/mmdatafocus/qms_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// BackupObjectKey is overwritten with a full workbook after each event when
// BACKUP_ON_EVENT is set.
const BackupObjectKey = "backups/cars-latest.xlsx"

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// carEventConsumer turns committed CAR events into stored artefacts.
type carEventConsumer struct {
	objects       objectStore
	backup        func(ctx context.Context) ([]byte, error)
	backupOnEvent bool
	logger        *logrus.Logger
}

// Handle is safe to repeat: every write overwrites the same object key.
func (h *carEventConsumer) Handle(ctx context.Context, m config.CarEventMessage) error {
	if models.AuditAction(m.Action) == models.AuditActionValidatedAndClosed {
		var car models.Car
		if err := json.Unmarshal(m.Snapshot, &car); err != nil {
			return fmt.Errorf("decode snapshot for car %s: %w", m.CarId, err)
		}
		record := workflow.RenderCarRecord(car)
		if err := h.store(ctx, workflow.RecordObjectKey(car.ID), []byte(record.Text()), "text/plain; charset=utf-8"); err != nil {
			return err
		}
	}
	if h.backupOnEvent && h.backup != nil {
		data, err := h.backup(ctx)
		if err != nil {
			return fmt.Errorf("build backup: %w", err)
		}
		if err := h.store(ctx, BackupObjectKey, data, workflow.BackupContentType); err != nil {
			return err
		}
	}
	return nil
}

func (h *carEventConsumer) store(ctx context.Context, key string, data []byte, contentType string) error {
	err := h.objects.Write(ctx, key, data, contentType)
	if errors.Is(err, errStorageDisabled) {
		h.logger.WithFields(logrus.Fields{
			"field":      "carEventConsumer",
			"object_key": key,
		}).Debug("storage disabled; skipping upload")
		return nil
	}
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// eventProcessor runs one event end to end. dead=true means the event will
// not be retried.
type eventProcessor func(ctx context.Context, m config.CarEventMessage) (dead bool, err error)

// ProcessMessage runs the consumer under a DB idempotency key and records the
// consumer-side outcome on the outbox row.
func ProcessMessage(ctx context.Context, logger *logrus.Logger, consumer *carEventConsumer, m config.CarEventMessage) (dead bool, err error) {
	markOutboxProcessing(ctx, m.ID)

	db := config.GetDB()
	if db == nil {
		return false, errors.New("database not ready")
	}
	key := workflow.NewCarEventKey(m.ID, m.CarId, m.Action)
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skip, err := workflow.BeginIdempotency(tx, key)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}
		if err := consumer.Handle(ctx, m); err != nil {
			_ = workflow.MarkIdempotencyFailed(tx, key, err)
			return err
		}
		return workflow.MarkIdempotencySucceeded(tx, key)
	})
	if err != nil {
		if errors.Is(err, workflow.ErrIdempotencyInProgress) {
			return false, err
		}
		dead = markOutboxProcessFailure(ctx, logger, m, err)
		if dead {
			logger.WithFields(logrus.Fields{
				"field":     "carEventConsumer",
				"car_id":    m.CarId,
				"action":    m.Action,
				"record_id": m.ID,
				"handler":   key.Handler,
			}).Warn("car event gave up; replay through /internal/ops/outbox/replay")
		}
		return dead, err
	}
	markOutboxProcessSuccess(ctx, logger, m)
	return false, nil
}

func systemContext(ctx context.Context, correlationID string) context.Context {
	ctx = utils.SetUserIdInContext(ctx, 0)
	ctx = utils.SetUserNameInContext(ctx, "System")
	return utils.SetCorrelationIdInContext(ctx, correlationID)
}

func carEventPubSubHandler(logger *logrus.Logger, process eventProcessor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage

		// Redis lock is a best-effort optimization; the idempotency key is what
		// makes redelivery safe.
		redisLock := config.GetRedisLock()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "carEventWorkflow.go", "carEventPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "carEventWorkflow.go", "carEventPubSubHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var m config.CarEventMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "carEventWorkflow.go", "carEventPubSubHandler", "Unmarshal pubsub message", msg.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}

		// Basic validation to avoid retry loops on poisoned messages.
		if m.ID <= 0 || m.CarId == "" || m.Action == "" {
			config.LogError(logger, "carEventWorkflow.go", "carEventPubSubHandler", "Invalid pubsub message (missing required fields)", m, fmt.Errorf("id/car_id/action required"))
			c.Status(http.StatusNoContent)
			return
		}

		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.Message.ID
		}
		fields := logrus.Fields{
			"field":      "carEventPubSubHandler",
			"car_id":     m.CarId,
			"action":     m.Action,
			"record_id":  m.ID,
			"message_id": msg.Message.ID,
		}

		var lock *redislock.Lock
		if redisLock == nil {
			logger.WithFields(fields).Warn("redis lock not ready; proceeding without redis lock")
		} else {
			lock, err = redisLock.Obtain(c.Request.Context(), "lock:event:"+m.CarId, 30*time.Second, nil)
			if err != nil {
				logger.WithFields(fields).Warn("could not obtain redis lock; proceeding without redis lock: " + err.Error())
				lock = nil
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(context.Background()); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
				logger.WithFields(fields).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		ctx := systemContext(c.Request.Context(), correlationID)
		dead, err := process(ctx, m)
		if err != nil && !dead {
			fields["correlation_id"] = correlationID
			logger.WithFields(fields).Error("pubsub processing failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

var (
	carMutexMap = make(map[string]*sync.Mutex)
	globalMutex = &sync.Mutex{}
)

func carMutex(carId string) *sync.Mutex {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	mutex, exists := carMutexMap[carId]
	if !exists {
		mutex = &sync.Mutex{}
		carMutexMap[carId] = mutex
	}
	return mutex
}

// RunCarEventSubscriber pulls from PUBSUB_SUBSCRIPTION until ctx is done.
// Events for one CAR are handled one at a time within this instance.
func RunCarEventSubscriber(ctx context.Context, logger *logrus.Logger, process eventProcessor) error {
	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, client, os.Getenv("PUBSUB_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.CarEventMessage{}
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			config.LogError(logger, "carEventWorkflow.go", "RunCarEventSubscriber", "Unmarshaling pubsub message", msg.Data, err)
			msg.Ack()
			return
		}

		mutex := carMutex(m.CarId)
		mutex.Lock()
		defer mutex.Unlock()

		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.ID
		}
		dead, err := process(systemContext(ctx, correlationID), m)
		if err != nil && !dead {
			logger.WithFields(logrus.Fields{
				"field":      "CarEventSubscriber",
				"car_id":     m.CarId,
				"action":     m.Action,
				"record_id":  m.ID,
				"message_id": msg.ID,
			}).Error("pubsub processing failed: " + err.Error())
			msg.Nack()
			return
		}
		msg.Ack()
	}

	go func() {
		if err := sub.Receive(ctx, callback); err != nil {
			config.LogError(logger, "carEventWorkflow.go", "RunCarEventSubscriber", "Failed to receive messages", nil, err)
		}
	}()
	return nil
}
