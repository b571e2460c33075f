package main

import (
	"context"
	"time"

	"github.com/mmdatafocus/qms_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxDirectProcessor consumes unprocessed outbox rows without Pub/Sub.
// Enabled with OUTBOX_DIRECT_PROCESSING=true, mainly for local development.
// Processing goes through the same idempotency keys as the Pub/Sub paths,
// so running it next to a subscriber only repeats no-ops.
type OutboxDirectProcessor struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Process   eventProcessor
	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
}

func NewOutboxDirectProcessor(db *gorm.DB, logger *logrus.Logger, process eventProcessor) *OutboxDirectProcessor {
	return &OutboxDirectProcessor{
		DB:        db,
		Logger:    logger,
		Process:   process,
		WorkerID:  "direct-" + time.Now().Format("20060102-150405.000"),
		BatchSize: 50,
		Interval:  2 * time.Second,
		LockTTL:   30 * time.Second,
	}
}

func (p *OutboxDirectProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil || p.Process == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *OutboxDirectProcessor) processOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)

	var claimed []models.CarEventRecord
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("is_processed = ?", false).
			Where("processing_status <> ?", models.OutboxProcessStatusDead).
			Where("(next_process_attempt_at IS NULL OR next_process_attempt_at <= ?)", now).
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("id ASC").
			Limit(p.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]int, 0, len(claimed))
		for i := range claimed {
			ids = append(ids, claimed[i].ID)
		}
		return tx.Model(&models.CarEventRecord{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"locked_at": &now,
				"locked_by": p.WorkerID,
			}).Error
	})
	if err != nil {
		if p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{"field": "OutboxDirectProcessor"}).Warn("claim failed: " + err.Error())
		}
		return
	}

	for _, rec := range claimed {
		msg := models.ConvertToCarEventMessage(rec)
		procCtx := systemContext(ctx, rec.CorrelationId)

		if _, err := p.Process(procCtx, msg); err != nil {
			if p.Logger != nil {
				p.Logger.WithFields(logrus.Fields{
					"field":     "OutboxDirectProcessor",
					"car_id":    rec.CarId,
					"action":    rec.Action,
					"record_id": rec.ID,
				}).Error("direct processing failed: " + err.Error())
			}
		}
		_ = p.DB.WithContext(ctx).Model(&models.CarEventRecord{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"locked_at": nil,
				"locked_by": nil,
			}).Error
	}
}
